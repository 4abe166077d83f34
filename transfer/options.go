package transfer

import (
	"time"
)

type Options struct {
	// BufferSize is the chunk size announced when sending.
	BufferSize int
	// Timeout bounds every poll of the data phase. It is announced in whole
	// seconds, so anything below a second is rounded up.
	Timeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		BufferSize: 3000,
		Timeout:    30 * time.Second,
	}
}

func (o Options) timeoutSeconds() int64 {
	if o.Timeout >= MaxTimeoutSeconds*time.Second {
		return MaxTimeoutSeconds
	}
	secs := int64((o.Timeout + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (o Options) bufferSize() int {
	switch {
	case o.BufferSize < 1:
		return DefaultOptions().BufferSize
	case o.BufferSize > MaxBufferSize:
		return MaxBufferSize
	}
	return o.BufferSize
}
