package transfer

import (
	"time"

	"github.com/pkg/errors"
)

var (
	ErrFileNotFound       = errors.New("no such file")
	ErrCannotCreate       = errors.New("cannot create file")
	ErrConnectionLost     = errors.New("connection is lost")
	ErrReconnectExhausted = errors.New("reconnect failed")
	ErrProtocolDesync     = errors.New("protocol desync")
	ErrPeerClosed         = errors.New("peer closed before the file was complete")
)

const (
	// MaxBufferSize caps the chunk size a peer may negotiate.
	MaxBufferSize = 16 * 1024 * 1024
	// MaxTimeoutSeconds caps the poll timeout a peer may negotiate.
	MaxTimeoutSeconds = 24 * 60 * 60
)

type Direction int

const (
	Sending Direction = iota
	Receiving
)

func (d Direction) String() string {
	switch d {
	case Sending:
		return "send"
	case Receiving:
		return "receive"
	default:
		return "undefined"
	}
}

// Hints is the header the sender announces once per transfer. The three
// values travel in field order.
type Hints struct {
	BufferSize     int64
	TimeoutSeconds int64
	FileLength     int64
}

func (h Hints) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

func (h Hints) validate() error {
	if h.BufferSize < 1 || h.BufferSize > MaxBufferSize {
		return errors.Wrapf(ErrProtocolDesync, "buffer size %d", h.BufferSize)
	}
	if h.TimeoutSeconds < 1 || h.TimeoutSeconds > MaxTimeoutSeconds {
		return errors.Wrapf(ErrProtocolDesync, "timeout %ds", h.TimeoutSeconds)
	}
	if h.FileLength < 0 {
		return errors.Wrapf(ErrProtocolDesync, "file length %d", h.FileLength)
	}
	return nil
}

// State describes one transfer attempt. Transferred never decreases except
// when a recovery rewinds it to the peer's acknowledged count, and the file
// cursor always sits at Transferred.
type State struct {
	Direction Direction
	FileName  string
	Hints

	Transferred int64
	Recoveries  int
	Started     time.Time
}

func (s State) Complete() bool {
	return s.Transferred == s.FileLength
}
