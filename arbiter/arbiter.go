// Package arbiter decides whether an inbound connection accepted during
// recovery is the same peer resuming its transfer.
//
// Peers carry no session token. Each one declares an integer identifier
// right after connecting; a reconnect is trusted only when that identifier
// was also the one declared by the previous accepted connection.
package arbiter

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"rft/transport"
)

const windowSize = 2

var ErrForeignPeer = errors.New("reconnect from a different peer")

type Arbiter struct {
	window    *Window
	handshake time.Duration
	log       logrus.FieldLogger
}

// New returns an arbiter that waits at most handshake for a peer's identifier.
func New(handshake time.Duration, log logrus.FieldLogger) *Arbiter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Arbiter{
		window:    NewWindow(windowSize),
		handshake: handshake,
		log:       log.WithField("component", "arbiter"),
	}
}

func (a *Arbiter) Window() *Window {
	return a.window
}

// Admit reads the identifier a freshly accepted peer declares and records it.
func (a *Arbiter) Admit(t transport.Transport) (int64, error) {
	t.SetReceiveTimeout(a.handshake)
	defer t.SetReceiveTimeout(0)

	id, err := t.ReceiveValue()
	if err != nil {
		return 0, errors.Wrap(err, "read peer identifier")
	}
	a.window.Push(id)
	a.log.WithFields(logrus.Fields{"id": id, "peer": t.RemoteAddr()}).Debug("Peer admitted")
	return id, nil
}

// Reconnect waits up to timeout on ln for one candidate and returns it only
// if it resumes the peer admitted just before it. A foreign candidate is
// closed and nil is returned.
func (a *Arbiter) Reconnect(ln transport.Listener, timeout time.Duration) transport.Transport {
	log := a.log.WithField("timeout", timeout)

	t, err := ln.AcceptWithin(timeout)
	if err != nil {
		log.WithError(err).Info("No peer came back")
		return nil
	}
	if _, err := a.Admit(t); err != nil {
		log.WithError(err).Info("Reconnect handshake failed")
		t.Close()
		return nil
	}
	if !a.window.Repeated() {
		log.WithError(ErrForeignPeer).WithField("window", a.window.Values()).Info("Reconnect refused")
		t.Close()
		return nil
	}
	log.WithField("peer", t.RemoteAddr()).Info("Peer reconnected")
	return t
}
