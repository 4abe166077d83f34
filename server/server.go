// Package server runs the session loop: it accepts one client at a time,
// serves its control lines through the dispatcher and hands transfers to the
// engine with the arbiter as the engine's way back to the same client.
package server

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"rft/arbiter"
	"rft/dispatch"
	"rft/journal"
	"rft/transfer"
	"rft/transport"
)

const (
	// acceptPoll is how often an idle accept loop checks for shutdown.
	acceptPoll = time.Second
	// dataLinger keeps a finished UDP data session open long enough to
	// absorb the client's last acknowledgements. A packet reaching the
	// listener after the close would be queued as a new session.
	dataLinger = time.Second
)

var ErrNoDataSession = errors.New("data session not established")

type Server struct {
	cfg  Config
	root string

	tcp transport.Listener
	udp transport.Listener // nil unless Config.UDP

	arbiter   *arbiter.Arbiter
	engine    *transfer.Engine
	observers transfer.Observers
	journal   *journal.Journal
	table     *dispatch.Table
	disp      *dispatch.Dispatcher
	log       logrus.FieldLogger

	mu   sync.Mutex
	sess *session
}

// New binds the listeners and opens the journal. The server does nothing
// until Serve is called.
func New(cfg Config, log logrus.FieldLogger) (*Server, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrapf(err, "create root %s", root)
	}

	s := &Server{
		cfg:     cfg,
		root:    root,
		arbiter: arbiter.New(cfg.HandshakeTimeout, log),
		engine:  transfer.New(cfg.Transfer, log),
		log:     log.WithField("component", "server"),
	}

	tcp, err := transport.ListenTCP(cfg.Addr)
	if err != nil {
		return nil, err
	}
	s.tcp = tcp
	if cfg.UDP {
		host, _, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			tcp.Close()
			return nil, errors.Wrapf(err, "bad address %s", cfg.Addr)
		}
		port := tcp.Addr().(*net.TCPAddr).Port
		udp, err := transport.ListenKCP(net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			tcp.Close()
			return nil, err
		}
		s.udp = udp
	}

	s.journal, err = journal.Open(cfg.JournalPath)
	if err != nil {
		s.closeListeners()
		return nil, err
	}

	s.observers = transfer.Observers{logObserver{log: s.log}}
	s.engine.SetObserver(s.observers)
	s.table = s.commands()
	s.disp = dispatch.New(s.table, log)
	return s, nil
}

// AddObserver subscribes o to every transfer. Call it before Serve.
func (s *Server) AddObserver(o transfer.Observer) {
	s.observers = append(s.observers, o)
	s.engine.SetObserver(s.observers)
}

func (s *Server) Addr() net.Addr {
	return s.tcp.Addr()
}

// UDPAddr is nil when UDP transfers are disabled.
func (s *Server) UDPAddr() net.Addr {
	if s.udp == nil {
		return nil
	}
	return s.udp.Addr()
}

func (s *Server) Close() error {
	err := s.closeListeners()
	if jerr := s.journal.Close(); err == nil {
		err = jerr
	}
	return err
}

func (s *Server) closeListeners() error {
	err := s.tcp.Close()
	if s.udp != nil {
		if uerr := s.udp.Close(); err == nil {
			err = uerr
		}
	}
	return err
}

// Serve accepts clients and services each one to completion before
// accepting the next. It returns nil once ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.interrupt()
		case <-stop:
		}
	}()

	s.log.WithFields(logrus.Fields{"addr": s.Addr(), "udp": s.UDPAddr(), "root": s.root}).Info("Serving")
	for {
		t, err := s.tcp.AcceptWithin(acceptPoll)
		if ctx.Err() != nil {
			if t != nil {
				t.Close()
			}
			return nil
		}
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			return errors.Wrap(err, "accept")
		}
		s.serveClient(ctx, t)
	}
}

func (s *Server) serveClient(ctx context.Context, t transport.Transport) {
	log := s.log.WithField("peer", t.RemoteAddr())
	id, err := s.arbiter.Admit(t)
	if err != nil {
		log.WithError(err).Warn("Client dropped before identifying")
		t.Close()
		return
	}

	sess := &session{ctx: ctx, srv: s, id: id, conn: t}
	s.setSession(sess)
	defer func() {
		s.setSession(nil)
		sess.close()
	}()

	log = log.WithField("id", id)
	log.Info("Client connected")
	for ctx.Err() == nil {
		line, err := sess.conn.ReceiveLine()
		if err != nil || line == "" {
			if err != nil && err != io.EOF && ctx.Err() == nil {
				log.WithError(err).Warn("Control channel failed")
			}
			break
		}
		if closing, _ := s.disp.Dispatch(sess, line); closing {
			break
		}
	}
	log.Info("Client disconnected")
}

func (s *Server) setSession(sess *session) {
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
}

// interrupt releases whatever the current session is blocked on.
func (s *Server) interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil {
		s.sess.close()
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// SESSION
// ─────────────────────────────────────────────────────────────────────────────

// session is one connected client. Its transports change hands only on the
// serving goroutine, under mu so interrupt can close them.
type session struct {
	ctx context.Context
	srv *Server
	id  int64

	mu   sync.Mutex
	conn transport.Transport // control lines, and data of TCP transfers
	data transport.Transport // data of a UDP transfer in progress
}

// SendLine replies on whatever control transport is current, so a reply
// after a recovered transfer reaches the reconnected client.
func (s *session) SendLine(line string) error {
	return s.conn.SendLine(line)
}

func (s *session) replaceConn(t transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close()
	s.conn = t
}

func (s *session) setData(t transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data != nil {
		s.data.Close()
	}
	s.data = t
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close()
	if s.data != nil {
		s.data.Close()
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// DATA CHANNELS
// ─────────────────────────────────────────────────────────────────────────────

// channel is what a transfer's data phase runs on.
type channel interface {
	String() string
	open(sess *session) (transport.Transport, error)
	reconnect(sess *session, timeout time.Duration) transport.Transport
	release(sess *session)
}

// tcpChannel streams over the control connection itself. A reconnect
// replaces the control connection too.
type tcpChannel struct{}

func (tcpChannel) String() string { return "tcp" }

func (tcpChannel) open(sess *session) (transport.Transport, error) {
	return sess.conn, nil
}

func (tcpChannel) reconnect(sess *session, timeout time.Duration) transport.Transport {
	t := sess.srv.arbiter.Reconnect(sess.srv.tcp, timeout)
	if t != nil {
		sess.replaceConn(t)
	}
	return t
}

func (tcpChannel) release(*session) {}

// udpChannel streams over a KCP session the client opens right after the
// command. The session is admitted by the same arbiter, so it has to carry
// the identifier of the control connection, and the admission is confirmed
// on it because a KCP dial succeeds whether or not anyone answers.
type udpChannel struct{}

func (udpChannel) String() string { return "udp" }

func (c udpChannel) open(sess *session) (transport.Transport, error) {
	t := c.admit(sess, sess.srv.cfg.HandshakeTimeout)
	if t == nil {
		return nil, ErrNoDataSession
	}
	return t, nil
}

func (c udpChannel) reconnect(sess *session, timeout time.Duration) transport.Transport {
	return c.admit(sess, timeout)
}

func (udpChannel) admit(sess *session, timeout time.Duration) transport.Transport {
	t := sess.srv.arbiter.Reconnect(sess.srv.udp, timeout)
	if t == nil {
		return nil
	}
	if err := t.SendLine(transport.Confirm); err != nil {
		sess.srv.log.WithError(err).Warn("Data session dropped before admission")
		t.Close()
		return nil
	}
	sess.setData(t)
	return t
}

func (udpChannel) release(sess *session) {
	sess.mu.Lock()
	t := sess.data
	sess.data = nil
	sess.mu.Unlock()
	if t != nil {
		time.AfterFunc(dataLinger, func() { t.Close() })
	}
}
