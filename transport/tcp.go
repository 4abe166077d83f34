package transport

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// TCPListener accepts TCP transports.
type TCPListener struct {
	ln *net.TCPListener
}

func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen tcp %s", addr)
	}
	return &TCPListener{ln: ln.(*net.TCPListener)}, nil
}

func (l *TCPListener) Accept() (Transport, error) {
	c, err := l.ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tuneTCP(c)
	return NewConn(c), nil
}

func (l *TCPListener) AcceptWithin(d time.Duration) (Transport, error) {
	if err := l.ln.SetDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	defer l.ln.SetDeadline(time.Time{})
	return l.Accept()
}

func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *TCPListener) Close() error {
	return l.ln.Close()
}

func DialTCP(addr string, timeout time.Duration) (Transport, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial tcp %s", addr)
	}
	tc := c.(*net.TCPConn)
	tuneTCP(tc)
	return NewConn(tc), nil
}

func tuneTCP(conn *net.TCPConn) {
	conn.SetNoDelay(true)
	conn.SetKeepAlive(true)
	// IPv6 peers reject the option; the class is only a hint.
	ipv4.NewConn(conn).SetTOS(tosThroughput)
}
