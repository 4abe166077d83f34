package transfer

import (
	"bytes"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"rft/transport"
)

var testOptions = Options{BufferSize: 16, Timeout: time.Second}

// preamble is what the sender writes ahead of the data: the confirm token
// and the three hint values.
var preamble = int64(len(transport.Confirm+"\r\n") + 3*transport.ValueSize)

var errSevered = errors.New("link severed")

// link cuts both ends of a pipe at once, the way a dropped route would.
type link struct {
	severed atomic.Bool
	conns   []net.Conn
}

func (l *link) sever() {
	if l.severed.Swap(true) {
		return
	}
	for _, c := range l.conns {
		c.Close()
	}
}

type faultConn struct {
	net.Conn
	link   *link
	budget int64 // bytes written before the link drops; negative is unlimited
}

func (c *faultConn) Write(p []byte) (int, error) {
	if c.link.severed.Load() {
		return 0, errSevered
	}
	if c.budget >= 0 {
		if int64(len(p)) > c.budget {
			c.link.sever()
			return 0, errSevered
		}
		c.budget -= int64(len(p))
	}
	return c.Conn.Write(p)
}

func (c *faultConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil && c.link.severed.Load() {
		return n, errSevered
	}
	return n, err
}

// severedPair returns two ends whose link drops once the first end has
// written budget bytes.
func severedPair(budget int64) (*transport.Conn, *transport.Conn) {
	a, b := net.Pipe()
	l := &link{conns: []net.Conn{a, b}}
	return transport.NewConn(&faultConn{Conn: a, link: l, budget: budget}),
		transport.NewConn(&faultConn{Conn: b, link: l, budget: -1})
}

func pipe() (*transport.Conn, *transport.Conn) {
	a, b := net.Pipe()
	return transport.NewConn(a), transport.NewConn(b)
}

// once hands out t on the first call and nothing afterwards.
func once(t transport.Transport) Reconnect {
	used := false
	return func(time.Duration) transport.Transport {
		if used {
			return nil
		}
		used = true
		return t
	}
}

type recorder struct {
	recovered []int64
	progress  int
	finished  bool
	err       error
}

func (r *recorder) OnStart(State)      {}
func (r *recorder) OnProgress(State)   { r.progress++ }
func (r *recorder) OnRecover(st State) { r.recovered = append(r.recovered, st.Transferred) }
func (r *recorder) OnFinish(_ State, err error) {
	r.finished = true
	r.err = err
}

func writeSource(t *testing.T, dir string, size int) (string, []byte) {
	content := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(content)
	path := filepath.Join(dir, "source.bin")
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path, content
}

func readN(t *testing.T, c transport.Transport, n int) []byte {
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		got, err := c.Receive(buf[:n-len(out)])
		require.NoError(t, err)
		out = append(out, buf[:got]...)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 15, 16, 17, 1000, 4099} {
		for _, bufSize := range []int{1, 7, 16, 4096} {
			t.Run(fmt.Sprintf("%d/%d", size, bufSize), func(t *testing.T) {
				dir := t.TempDir()
				src, content := writeSource(t, dir, size)
				dst := filepath.Join(dir, "copy.bin")

				sender := New(Options{BufferSize: bufSize, Timeout: time.Second}, nil)
				receiver := New(testOptions, nil)
				a, b := pipe()
				defer a.Close()
				defer b.Close()

				sent := make(chan bool, 1)
				go func() { sent <- sender.Send(a, src, nil) }()
				require.True(t, receiver.Receive(b, dst, nil))
				require.True(t, <-sent)

				got, err := os.ReadFile(dst)
				require.NoError(t, err)
				require.True(t, bytes.Equal(content, got))
				require.Equal(t, int64(size), receiver.State().Transferred)
				require.Equal(t, int64(bufSize), receiver.State().BufferSize)
				require.Zero(t, sender.State().Recoveries)
			})
		}
	}
}

func TestResumeAfterSever(t *testing.T) {
	dir := t.TempDir()
	src, content := writeSource(t, dir, 200)
	dst := filepath.Join(dir, "copy.bin")

	// two full chunks get through, the third one drops the link
	a, b := severedPair(preamble + 40)
	a2, b2 := pipe()
	defer a2.Close()
	defer b2.Close()

	sender := New(testOptions, nil)
	receiver := New(testOptions, nil)
	obs, also := &recorder{}, &recorder{}
	receiver.SetObserver(Observers{obs, also})

	sent := make(chan bool, 1)
	go func() { sent <- sender.Send(a, src, once(a2)) }()
	require.True(t, receiver.Receive(b, dst, once(b2)))
	require.True(t, <-sent)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.True(t, bytes.Equal(content, got))

	require.Equal(t, 1, sender.State().Recoveries)
	require.Equal(t, 1, receiver.State().Recoveries)
	require.Equal(t, []int64{32}, obs.recovered)
	require.Equal(t, obs.recovered, also.recovered)
	require.True(t, also.finished)
	require.NoError(t, obs.err)
}

func TestSenderReseeksToAcknowledgedCount(t *testing.T) {
	dir := t.TempDir()
	src, content := writeSource(t, dir, 100)

	a, peer := pipe()
	a2, peer2 := pipe()
	defer a2.Close()
	defer peer2.Close()

	sender := New(testOptions, nil)
	sent := make(chan bool, 1)
	go func() { sent <- sender.Send(a, src, once(a2)) }()

	line, err := peer.ReceiveLine()
	require.NoError(t, err)
	require.True(t, transport.IsConfirm(line))
	for _, want := range []int64{16, 1, 100} {
		v, err := peer.ReceiveValue()
		require.NoError(t, err)
		require.Equal(t, want, v)
	}
	require.Equal(t, content[:48], readN(t, peer, 48))
	peer.Close()

	// only 20 bytes made it to disk on this side
	require.NoError(t, peer2.SendValue(20))
	require.Equal(t, content[20:], readN(t, peer2, 80))
	require.NoError(t, peer2.SendValue(100))

	require.True(t, <-sent)
	st := sender.State()
	require.Equal(t, 1, st.Recoveries)
	require.Equal(t, int64(100), st.Transferred)
}

func TestSenderRecoversFromWrongAcknowledgement(t *testing.T) {
	dir := t.TempDir()
	src, content := writeSource(t, dir, 10)

	a, peer := pipe()
	a2, peer2 := pipe()
	defer peer.Close()
	defer a2.Close()
	defer peer2.Close()

	sender := New(testOptions, nil)
	sent := make(chan bool, 1)
	go func() { sent <- sender.Send(a, src, once(a2)) }()

	peer.ReceiveLine()
	for i := 0; i < 3; i++ {
		peer.ReceiveValue()
	}
	require.Equal(t, content, readN(t, peer, 10))
	require.NoError(t, peer.SendValue(7))

	require.NoError(t, peer2.SendValue(7))
	require.Equal(t, content[7:], readN(t, peer2, 3))
	require.NoError(t, peer2.SendValue(10))
	require.True(t, <-sent)
}

func TestReconnectExhausted(t *testing.T) {
	dir := t.TempDir()
	src, _ := writeSource(t, dir, 200)
	dst := filepath.Join(dir, "copy.bin")

	a, b := severedPair(preamble + 40)
	sender := New(testOptions, nil)
	receiver := New(testOptions, nil)
	obs := &recorder{}
	receiver.SetObserver(obs)

	sent := make(chan bool, 1)
	go func() { sent <- sender.Send(a, src, nil) }()
	require.False(t, receiver.Receive(b, dst, func(time.Duration) transport.Transport { return nil }))
	require.False(t, <-sent)

	require.True(t, errors.Is(obs.err, ErrReconnectExhausted))
	require.Equal(t, int64(32), receiver.State().Transferred)
}

func TestReceiverEarlyClose(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "copy.bin")

	b, peer := pipe()
	go func() {
		peer.SendLine(transport.Confirm)
		peer.SendValue(16)
		peer.SendValue(1)
		peer.SendValue(100)
		peer.Send(make([]byte, 40))
		peer.Close()
	}()

	receiver := New(testOptions, nil)
	obs := &recorder{}
	receiver.SetObserver(obs)
	require.False(t, receiver.Receive(b, dst, nil))
	require.True(t, errors.Is(obs.err, ErrPeerClosed))
	require.Equal(t, int64(40), receiver.State().Transferred)

	info, err := os.Stat(dst)
	require.NoError(t, err)
	require.Equal(t, int64(40), info.Size())
}

func TestMissingFileRefused(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "copy.bin")

	a, b := pipe()
	defer a.Close()
	defer b.Close()

	sender := New(testOptions, nil)
	receiver := New(testOptions, nil)
	sobs, robs := &recorder{}, &recorder{}
	sender.SetObserver(sobs)
	receiver.SetObserver(robs)

	sent := make(chan bool, 1)
	go func() { sent <- sender.Send(a, filepath.Join(dir, "nope.txt"), nil) }()
	require.False(t, receiver.Receive(b, dst, nil))
	require.False(t, <-sent)

	require.True(t, errors.Is(sobs.err, ErrFileNotFound))
	require.True(t, errors.Is(robs.err, ErrFileNotFound))
	_, err := os.Stat(dst)
	require.True(t, os.IsNotExist(err))
}

func TestDirectoryIsNotAFile(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	sender := New(testOptions, nil)
	go b.ReceiveLine()
	require.False(t, sender.Send(a, t.TempDir(), nil))
}

func TestReceiveGrowsBufferToNegotiatedSize(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "copy.bin")
	content := bytes.Repeat([]byte("0123456789"), 600)

	b, peer := pipe()
	defer peer.Close()
	acked := make(chan int64, 1)
	go func() {
		peer.SendLine(transport.Confirm)
		peer.SendValue(5000)
		peer.SendValue(1)
		peer.SendValue(int64(len(content)))
		peer.Send(content)
		v, _ := peer.ReceiveValue()
		acked <- v
	}()

	receiver := New(testOptions, nil)
	require.True(t, receiver.Receive(b, dst, nil))
	require.GreaterOrEqual(t, len(receiver.buf), 5000)
	require.Equal(t, int64(len(content)), <-acked)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestReceiveRejectsBrokenHints(t *testing.T) {
	for name, hints := range map[string][3]int64{
		"no buffer":         {0, 1, 10},
		"huge buffer":       {MaxBufferSize + 1, 1, 10},
		"no timeout":        {16, 0, 10},
		"unbounded timeout": {16, 1 << 62, 10},
		"negative length":   {16, 1, -1},
	} {
		t.Run(name, func(t *testing.T) {
			b, peer := pipe()
			defer peer.Close()
			go func() {
				peer.SendLine(transport.Confirm)
				for _, v := range hints {
					peer.SendValue(v)
				}
			}()

			receiver := New(testOptions, nil)
			obs := &recorder{}
			receiver.SetObserver(obs)
			require.False(t, receiver.Receive(b, filepath.Join(t.TempDir(), "copy.bin"), nil))
			require.True(t, errors.Is(obs.err, ErrProtocolDesync))
		})
	}
}

// shrinker truncates the source once the first chunk has gone out.
type shrinker struct {
	recorder
	path string
	size int64
}

func (s *shrinker) OnProgress(st State) {
	if s.progress == 0 {
		os.Truncate(s.path, s.size)
	}
	s.recorder.OnProgress(st)
}

func TestSenderDesyncWhenSourceShrinks(t *testing.T) {
	src, _ := writeSource(t, t.TempDir(), 100)

	a, peer := pipe()
	defer a.Close()
	defer peer.Close()
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := peer.Receive(buf); err != nil {
				return
			}
		}
	}()

	calls := 0
	sender := New(testOptions, nil)
	obs := &shrinker{path: src, size: 20}
	sender.SetObserver(obs)
	require.False(t, sender.Send(a, src, func(time.Duration) transport.Transport {
		calls++
		return nil
	}))

	require.True(t, errors.Is(obs.err, ErrProtocolDesync), "%v", obs.err)
	require.Zero(t, calls)
	require.Zero(t, sender.State().Recoveries)
	require.Equal(t, int64(16), sender.State().Transferred)
}

// silent hands out replacements whose peer swallows everything and never
// answers, like a KCP session towards a host that has gone away.
func silent(t *testing.T, calls *int) Reconnect {
	return func(time.Duration) transport.Transport {
		*calls++
		a, b := pipe()
		t.Cleanup(func() {
			a.Close()
			b.Close()
		})
		go func() {
			buf := make([]byte, 64)
			for {
				if _, err := b.Receive(buf); err != nil {
					return
				}
			}
		}()
		return a
	}
}

func TestRecoveryBudgetEndsOnSilentReplacements(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "copy.bin")

	b, peer := pipe()
	defer peer.Close()
	go func() {
		peer.SendLine(transport.Confirm)
		peer.SendValue(16)
		peer.SendValue(1)
		peer.SendValue(100)
		peer.Send(make([]byte, 10))
	}()

	calls := 0
	receiver := New(testOptions, nil)
	obs := &recorder{}
	receiver.SetObserver(obs)

	start := time.Now()
	require.False(t, receiver.Receive(b, dst, silent(t, &calls)))
	require.Less(t, time.Since(start), 6*time.Second)

	require.True(t, errors.Is(obs.err, ErrReconnectExhausted), "%v", obs.err)
	require.Positive(t, calls)
	require.Zero(t, receiver.State().Recoveries)
	require.Empty(t, obs.recovered)
	require.Equal(t, int64(10), receiver.State().Transferred)
}

func TestSenderRecoveryBudgetEndsOnSilentReplacements(t *testing.T) {
	src, _ := writeSource(t, t.TempDir(), 100)

	// the first chunk gets through, the second drops the link
	a, b := severedPair(preamble + 16)
	defer b.Close()
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := b.Receive(buf); err != nil {
				return
			}
		}
	}()

	calls := 0
	sender := New(testOptions, nil)
	obs := &recorder{}
	sender.SetObserver(obs)

	start := time.Now()
	require.False(t, sender.Send(a, src, silent(t, &calls)))
	require.Less(t, time.Since(start), 6*time.Second)

	require.True(t, errors.Is(obs.err, ErrReconnectExhausted), "%v", obs.err)
	require.Positive(t, calls)
	require.Zero(t, sender.State().Recoveries)
}

func TestRefusalFailureIsLogged(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	a, b := pipe()
	b.Close()
	defer a.Close()

	sender := New(testOptions, log)
	require.False(t, sender.Send(a, filepath.Join(t.TempDir(), "nope.txt"), nil))

	var messages []string
	for _, entry := range hook.AllEntries() {
		messages = append(messages, entry.Message)
	}
	require.Contains(t, messages, "Refusal not delivered")
}

func TestTimeoutRoundsUpToWholeSeconds(t *testing.T) {
	require.Equal(t, int64(1), Options{Timeout: 10 * time.Millisecond}.timeoutSeconds())
	require.Equal(t, int64(2), Options{Timeout: 1500 * time.Millisecond}.timeoutSeconds())
	require.Equal(t, int64(30), DefaultOptions().timeoutSeconds())
	require.Equal(t, int64(MaxTimeoutSeconds), Options{Timeout: time.Duration(1<<63 - 1)}.timeoutSeconds())
	require.Equal(t, 3000, Options{}.bufferSize())
}
