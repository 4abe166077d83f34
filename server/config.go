package server

import (
	"time"

	"rft/transfer"
)

type Config struct {
	// Addr is where clients connect for control lines and TCP transfers.
	Addr string
	// UDP enables download_udp and upload_udp on a KCP listener bound to
	// the same port as Addr.
	UDP bool
	// Root is the directory files are served from and stored into.
	Root string

	Transfer transfer.Options
	// HandshakeTimeout bounds the wait for a peer's identifier and for the
	// data session of a UDP transfer.
	HandshakeTimeout time.Duration

	// JournalPath is the LevelDB directory of the transfer journal. Empty
	// keeps the journal in memory.
	JournalPath  string
	HistoryLimit int
}

func DefaultConfig() Config {
	return Config{
		Addr:             ":9900",
		UDP:              true,
		Root:             ".",
		Transfer:         transfer.DefaultOptions(),
		HandshakeTimeout: 10 * time.Second,
		HistoryLimit:     10,
	}
}
