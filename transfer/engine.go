// Package transfer streams one file between two endpoints and survives the
// loss of the transport underneath it.
//
// Completion and resumption are driven only by byte counts the endpoints
// exchange: the sender announces the file length, the receiver acknowledges
// how much it has durably written. After a transport is replaced the
// receiver repeats its count and the sender seeks back to exactly that
// offset, so nothing is skipped or written twice.
package transfer

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"rft/transport"
)

// Reconnect obtains a replacement transport within timeout, or returns nil
// when none could be had.
type Reconnect func(timeout time.Duration) transport.Transport

// Engine runs one transfer at a time and reuses its working buffer across
// transfers. It is not safe for concurrent use.
type Engine struct {
	opts     Options
	buf      []byte
	state    State
	observer Observer
	log      logrus.FieldLogger

	// recovery is when the current recovery gives up; zero while data flows.
	recovery time.Time
}

func New(opts Options, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		opts:     opts,
		observer: nopObserver{},
		log:      log.WithField("component", "transfer"),
	}
}

func (e *Engine) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	e.observer = o
}

// State returns the last transfer's state.
func (e *Engine) State() State {
	return e.state
}

// Send streams fileName to the peer on t and reports whether the peer
// acknowledged every byte.
func (e *Engine) Send(t transport.Transport, fileName string, reconnect Reconnect) bool {
	e.begin(Sending, fileName)
	return e.finish(e.send(t, fileName, reconnect))
}

// Receive stores what the peer on t streams into fileName and reports
// whether the declared length arrived in full.
func (e *Engine) Receive(t transport.Transport, fileName string, reconnect Reconnect) bool {
	e.begin(Receiving, fileName)
	return e.finish(e.receive(t, fileName, reconnect))
}

func (e *Engine) begin(dir Direction, fileName string) {
	e.state = State{Direction: dir, FileName: fileName, Started: time.Now()}
	e.recovery = time.Time{}
}

func (e *Engine) finish(err error) bool {
	st := e.state
	log := e.log.WithFields(logrus.Fields{
		"file":       st.FileName,
		"direction":  st.Direction,
		"bytes":      st.Transferred,
		"length":     st.FileLength,
		"recoveries": st.Recoveries,
		"elapsed":    time.Since(st.Started).Round(time.Millisecond),
	})
	if err != nil {
		log.WithError(err).Warn("Transfer failed")
	} else {
		log.Info("Transfer complete")
	}
	e.observer.OnFinish(st, err)
	return err == nil
}

func (e *Engine) buffer(n int) []byte {
	if len(e.buf) < n {
		e.buf = make([]byte, n)
	}
	return e.buf[:n]
}

// reconnect asks r for a replacement within what is left of the recovery
// budget. The budget is two timeouts from the first loss and covers every
// attempt until the peer is heard from again.
func (e *Engine) reconnect(r Reconnect) transport.Transport {
	if e.recovery.IsZero() {
		e.recovery = time.Now().Add(2 * e.state.Timeout())
	}
	left := time.Until(e.recovery)
	if r == nil || left <= 0 {
		return nil
	}
	return r(left)
}

// resumed closes a recovery once the peer has answered on the replacement.
func (e *Engine) resumed() {
	if e.recovery.IsZero() {
		return
	}
	e.recovery = time.Time{}
	e.state.Recoveries++
	e.observer.OnRecover(e.state)
}

// ─────────────────────────────────────────────────────────────────────────────
// SENDER
// ─────────────────────────────────────────────────────────────────────────────

func (e *Engine) send(t transport.Transport, fileName string, reconnect Reconnect) error {
	f, err := openSource(fileName)
	if err != nil {
		if serr := t.SendLine(transport.Refuse); serr != nil {
			e.log.WithError(serr).Warn("Refusal not delivered")
		}
		return err
	}
	defer f.Close()

	if err := t.SendLine(transport.Confirm); err != nil {
		return errors.Wrap(ErrConnectionLost, err.Error())
	}

	length, err := fileLength(f)
	if err != nil {
		return errors.Wrap(ErrProtocolDesync, err.Error())
	}

	st := &e.state
	st.Hints = Hints{
		BufferSize:     int64(e.opts.bufferSize()),
		TimeoutSeconds: e.opts.timeoutSeconds(),
		FileLength:     length,
	}
	timeout := st.Timeout()

	defer func() {
		t.SetSendTimeout(0)
		t.SetReceiveTimeout(0)
	}()
	armSend(t, st.Hints)
	if err := sendHints(t, st.Hints); err != nil {
		return errors.Wrap(ErrConnectionLost, err.Error())
	}
	e.observer.OnStart(*st)

	buf := e.buffer(int(st.BufferSize))
	for {
		n, rerr := io.ReadFull(f, buf)
		eof := rerr == io.EOF || rerr == io.ErrUnexpectedEOF
		if rerr != nil && !eof {
			return errors.Wrap(ErrProtocolDesync, rerr.Error())
		}
		// a short read anywhere but the tail means the file moved under us
		end := st.Transferred + int64(n)
		if end > length || (eof && end != length) {
			return errors.Wrapf(ErrProtocolDesync, "read through %d of %d", end, length)
		}

		if n > 0 {
			if err := t.Send(buf[:n]); err != nil {
				if err := e.resumeSending(&t, f, reconnect, err); err != nil {
					return err
				}
				continue
			}
			st.Transferred = end
			e.observer.OnProgress(*st)
		}
		if !eof {
			continue
		}

		t.SetReceiveTimeout(timeout / 2)
		acked, err := t.ReceiveValue()
		if err == nil && acked == length {
			return nil
		}
		if err == nil {
			err = errors.Errorf("acknowledged %d of %d", acked, length)
		}
		if err := e.resumeSending(&t, f, reconnect, err); err != nil {
			return err
		}
	}
}

// resumeSending swaps in a replacement transport and rewinds the file to the
// count the receiver acknowledges on it.
func (e *Engine) resumeSending(t *transport.Transport, f *os.File, reconnect Reconnect, cause error) error {
	st := &e.state
	e.log.WithError(cause).WithField("bytes", st.Transferred).Info("Connection lost, waiting for the peer")

	for {
		nt := e.reconnect(reconnect)
		if nt == nil {
			return errors.Wrap(ErrReconnectExhausted, ErrConnectionLost.Error())
		}
		*t = nt
		armSend(nt, st.Hints)
		nt.SetReceiveTimeout(st.Timeout())

		acked, err := nt.ReceiveValue()
		if err != nil {
			e.log.WithError(err).Info("Replacement transport failed before resuming")
			continue
		}
		if acked < 0 || acked > st.FileLength {
			return errors.Wrapf(ErrProtocolDesync, "peer resumes at %d of %d", acked, st.FileLength)
		}
		if _, err := f.Seek(acked, io.SeekStart); err != nil {
			return errors.Wrap(ErrProtocolDesync, err.Error())
		}
		st.Transferred = acked
		e.resumed()
		return nil
	}
}

func openSource(fileName string) (*os.File, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, errors.Wrap(ErrFileNotFound, err.Error())
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, errors.Wrapf(ErrFileNotFound, "%s is not a regular file", fileName)
	}
	return f, nil
}

func fileLength(f *os.File) (int64, error) {
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}

func armSend(t transport.Transport, h Hints) {
	t.SetSendTimeout(h.Timeout())
	if tuner, ok := t.(transport.Tuner); ok {
		tuner.SetSendBuffer(int(h.BufferSize))
	}
}

func sendHints(t transport.Transport, h Hints) error {
	for _, v := range []int64{h.BufferSize, h.TimeoutSeconds, h.FileLength} {
		if err := t.SendValue(v); err != nil {
			return err
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// RECEIVER
// ─────────────────────────────────────────────────────────────────────────────

func (e *Engine) receive(t transport.Transport, fileName string, reconnect Reconnect) error {
	defer func() {
		t.SetSendTimeout(0)
		t.SetReceiveTimeout(0)
	}()

	t.SetReceiveTimeout(e.opts.Timeout)
	line, err := t.ReceiveLine()
	if err != nil || !transport.IsConfirm(line) {
		return errors.Wrapf(ErrFileNotFound, "peer has no %s", fileName)
	}

	f, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(ErrCannotCreate, err.Error())
	}
	defer f.Close()

	st := &e.state
	st.Hints, err = receiveHints(t)
	if err != nil {
		return err
	}
	timeout := st.Timeout()
	t.SetReceiveTimeout(timeout)
	t.SetSendTimeout(timeout)

	buf := e.buffer(int(st.BufferSize))
	e.observer.OnStart(*st)

	for st.Transferred < st.FileLength {
		chunk := buf
		if left := st.FileLength - st.Transferred; left < int64(len(chunk)) {
			chunk = chunk[:left]
		}

		n, err := t.Receive(chunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			if err := e.resumeReceiving(&t, reconnect, err); err != nil {
				return err
			}
			continue
		}
		e.resumed()

		if _, err := f.Write(chunk[:n]); err != nil {
			return errors.Wrap(ErrCannotCreate, err.Error())
		}
		st.Transferred += int64(n)
		e.observer.OnProgress(*st)
	}

	if !st.Complete() {
		return errors.Wrapf(ErrPeerClosed, "got %d of %d", st.Transferred, st.FileLength)
	}
	if err := t.SendValue(st.Transferred); err != nil {
		e.log.WithError(err).Warn("Final acknowledgement not delivered")
	}
	return nil
}

// resumeReceiving swaps in a replacement transport and tells the sender how
// much has been written so far. The recovery is counted once data arrives on
// the replacement.
func (e *Engine) resumeReceiving(t *transport.Transport, reconnect Reconnect, cause error) error {
	st := &e.state
	e.log.WithError(cause).WithField("bytes", st.Transferred).Info("Connection lost, waiting for the peer")

	for {
		nt := e.reconnect(reconnect)
		if nt == nil {
			return errors.Wrap(ErrReconnectExhausted, ErrConnectionLost.Error())
		}
		*t = nt
		nt.SetReceiveTimeout(st.Timeout())
		nt.SetSendTimeout(st.Timeout())

		if err := nt.SendValue(st.Transferred); err != nil {
			e.log.WithError(err).Info("Replacement transport failed before resuming")
			continue
		}
		return nil
	}
}

func receiveHints(t transport.Transport) (Hints, error) {
	var vals [3]int64
	for i := range vals {
		v, err := t.ReceiveValue()
		if err != nil {
			return Hints{}, errors.Wrap(ErrConnectionLost, err.Error())
		}
		vals[i] = v
	}
	h := Hints{BufferSize: vals[0], TimeoutSeconds: vals[1], FileLength: vals[2]}
	return h, h.validate()
}
