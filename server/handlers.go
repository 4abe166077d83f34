package server

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"rft/dispatch"
	"rft/journal"
	"rft/transfer"
	"rft/transport"
)

const defaultHistory = 10

// commands builds the command table once; the set is fixed for the life of
// the server.
func (s *Server) commands() *dispatch.Table {
	t := dispatch.NewTable()
	t.Register(s.echo, "echo")
	t.Register(s.clock, "time")
	t.Register(s.quit, "quit", "exit", "close")
	t.Register(s.download(tcpChannel{}), "download")
	t.Register(s.upload(tcpChannel{}), "upload")
	if s.udp != nil {
		t.Register(s.download(udpChannel{}), "download_udp")
		t.Register(s.upload(udpChannel{}), "upload_udp")
	}
	t.Register(s.history, "history")
	t.Register(s.help, "help")
	return t
}

func (s *Server) echo(w dispatch.Replier, arg string) error {
	return w.SendLine(strings.TrimLeft(arg, " "))
}

func (s *Server) clock(w dispatch.Replier, _ string) error {
	return w.SendLine(time.Now().Format(time.ANSIC) + "\n")
}

// quit has nothing to do: the keyword in the line ends the session.
func (s *Server) quit(dispatch.Replier, string) error {
	return nil
}

func (s *Server) download(ch channel) dispatch.Handler {
	return func(w dispatch.Replier, arg string) error {
		if s.runTransfer(ch, transfer.Sending, arg) {
			return w.SendLine("file downloaded\n")
		}
		return w.SendLine("fail to download the file\n")
	}
}

func (s *Server) upload(ch channel) dispatch.Handler {
	return func(w dispatch.Replier, arg string) error {
		if s.runTransfer(ch, transfer.Receiving, arg) {
			return w.SendLine("file uploaded\n")
		}
		return w.SendLine("fail to upload the file\n")
	}
}

func (s *Server) history(w dispatch.Replier, arg string) error {
	n := s.cfg.HistoryLimit
	if v, err := strconv.Atoi(strings.TrimSpace(arg)); err == nil && v > 0 {
		n = v
	}
	if n < 1 {
		n = defaultHistory
	}

	entries, err := s.journal.Recent(n)
	if err != nil {
		if serr := w.SendLine("history unavailable"); serr != nil {
			s.log.WithError(serr).Warn("History reply not delivered")
		}
		return err
	}
	if len(entries) == 0 {
		return w.SendLine("no transfers yet")
	}
	for _, e := range entries {
		if err := w.SendLine(e.String()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) help(w dispatch.Replier, _ string) error {
	return w.SendLine("commands: " + strings.Join(s.table.Names(), " "))
}

// runTransfer runs one download or upload for the current session and records
// the outcome in the journal.
func (s *Server) runTransfer(ch channel, dir transfer.Direction, arg string) bool {
	sess := s.sess
	name := dispatch.FileName(arg)
	log := s.log.WithFields(logrus.Fields{
		"id":        sess.id,
		"file":      name,
		"direction": dir,
		"transport": ch,
	})
	log.Info("Transfer requested")

	t, err := ch.open(sess)
	if err != nil {
		log.WithError(err).Warn("Transfer abandoned")
		s.record(sess, ch, dir, name, transfer.State{}, false)
		return false
	}
	defer ch.release(sess)

	reconnect := func(timeout time.Duration) transport.Transport {
		if sess.ctx.Err() != nil {
			return nil
		}
		return ch.reconnect(sess, timeout)
	}

	// an empty name resolves to nothing the engine can open, so a download
	// is refused and an upload cannot be created
	path := ""
	if name != "" {
		path = filepath.Join(s.root, name)
	}

	var ok bool
	if dir == transfer.Sending {
		ok = s.engine.Send(t, path, reconnect)
	} else {
		ok = s.engine.Receive(t, path, reconnect)
	}
	s.record(sess, ch, dir, name, s.engine.State(), ok)
	return ok
}

func (s *Server) record(sess *session, ch channel, dir transfer.Direction, name string, st transfer.State, ok bool) {
	_, err := s.journal.Append(journal.Entry{
		File:       name,
		Direction:  dir.String(),
		Transport:  ch.String(),
		Peer:       sess.conn.RemoteAddr().String(),
		Bytes:      st.Transferred,
		Length:     st.FileLength,
		Recoveries: st.Recoveries,
		OK:         ok,
	})
	if err != nil {
		s.log.WithError(err).Warn("Journal entry lost")
	}
}

// logObserver reports engine milestones in the server log.
type logObserver struct {
	log logrus.FieldLogger
}

func (o logObserver) OnStart(st transfer.State) {
	o.log.WithFields(logrus.Fields{
		"file":   st.FileName,
		"length": st.FileLength,
		"buffer": st.BufferSize,
	}).Debug("Data phase started")
}

func (o logObserver) OnProgress(transfer.State) {}

func (o logObserver) OnRecover(st transfer.State) {
	o.log.WithFields(logrus.Fields{
		"file":       st.FileName,
		"bytes":      st.Transferred,
		"recoveries": st.Recoveries,
	}).Info("Transfer resumed")
}

func (o logObserver) OnFinish(transfer.State, error) {}
