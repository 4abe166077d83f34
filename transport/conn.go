package transport

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Conn adapts any net.Conn to Transport. Lines, values and raw bytes share
// one read buffer so they can be interleaved freely.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	sendTimeout time.Duration
	recvTimeout time.Duration
}

func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c, r: bufio.NewReader(c)}
}

// Deadline errors are dropped: a conn that refuses a deadline is closed, and
// the read or write that follows reports that with buffered data drained first.
func (c *Conn) armWrite() {
	var d time.Time
	if c.sendTimeout > 0 {
		d = time.Now().Add(c.sendTimeout)
	}
	c.conn.SetWriteDeadline(d)
}

func (c *Conn) armRead() {
	var d time.Time
	if c.recvTimeout > 0 {
		d = time.Now().Add(c.recvTimeout)
	}
	c.conn.SetReadDeadline(d)
}

func (c *Conn) Send(p []byte) error {
	c.armWrite()
	_, err := c.conn.Write(p)
	return err
}

func (c *Conn) Receive(p []byte) (int, error) {
	c.armRead()
	n, err := c.r.Read(p)
	if n > 0 {
		return n, nil
	}
	return 0, err
}

func (c *Conn) SendValue(v int64) error {
	var buf [ValueSize]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return c.Send(buf[:])
}

func (c *Conn) ReceiveValue() (int64, error) {
	c.armRead()
	var buf [ValueSize]byte
	if _, err := io.ReadFull(c.r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// SendLine terminates line with CRLF unless it already ends in a line feed.
func (c *Conn) SendLine(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\r\n"
	}
	return c.Send([]byte(line))
}

// ReceiveLine reads through the next line feed. On close or error it returns
// whatever part of the line arrived along with the error.
func (c *Conn) ReceiveLine() (string, error) {
	c.armRead()
	return c.r.ReadString('\n')
}

func (c *Conn) SetSendTimeout(d time.Duration) error {
	c.sendTimeout = d
	return nil
}

func (c *Conn) SetReceiveTimeout(d time.Duration) error {
	c.recvTimeout = d
	return nil
}

func (c *Conn) SetSendBuffer(bytes int) error {
	wb, ok := c.conn.(interface{ SetWriteBuffer(int) error })
	if !ok {
		return nil
	}
	return errors.Wrap(wb.SetWriteBuffer(bytes), "set send buffer")
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
