// Package transport is the duplex byte channel the session loop and the
// transfer engine talk over. TCP and KCP (reliable UDP) sessions implement
// the same capability set, so callers never know which one they hold.
package transport

import (
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// Confirm and Refuse are the two control tokens used for existence
	// handshakes and acknowledgement polling.
	Confirm = "confirm"
	Refuse  = "refuse"

	// ValueSize is the width of every fixed-width integer on the wire.
	ValueSize = 8

	tosThroughput = 0x08
)

// Transport is a connected duplex channel.
//
// Send writes all of p or fails. Receive returns as soon as some bytes are
// available; a graceful close by the peer is reported as io.EOF with n == 0.
// Timeouts apply to every following call until changed; zero disables them.
type Transport interface {
	Send(p []byte) error
	Receive(p []byte) (int, error)

	SendValue(v int64) error
	ReceiveValue() (int64, error)

	SendLine(line string) error
	ReceiveLine() (string, error)

	SetSendTimeout(d time.Duration) error
	SetReceiveTimeout(d time.Duration) error

	RemoteAddr() net.Addr
	Close() error
}

// Tuner is implemented by transports whose send buffer can be resized.
type Tuner interface {
	SetSendBuffer(bytes int) error
}

// Listener hands out accepted transports.
type Listener interface {
	Accept() (Transport, error)
	// AcceptWithin waits at most d for a pending peer. The listener is back
	// in blocking mode when it returns, whatever the outcome.
	AcceptWithin(d time.Duration) (Transport, error)
	Addr() net.Addr
	Close() error
}

// IsConfirm reports whether a received control line carries Confirm.
func IsConfirm(line string) bool {
	return strings.Contains(line, Confirm)
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
