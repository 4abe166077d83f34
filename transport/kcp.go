package transport

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/kcp-go/v5"
	"golang.org/x/net/ipv4"
)

const (
	kcpWindow   = 256
	kcpInterval = 10 // ms
)

// KCPListener accepts reliable-UDP sessions. It owns the packet socket
// because kcp.ServeConn leaves it open on Close.
type KCPListener struct {
	pc *net.UDPConn
	ln *kcp.Listener
}

func ListenKCP(addr string) (*KCPListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve udp %s", addr)
	}
	pc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen udp %s", addr)
	}
	ipv4.NewPacketConn(pc).SetTOS(tosThroughput)

	ln, err := kcp.ServeConn(nil, 0, 0, pc)
	if err != nil {
		pc.Close()
		return nil, errors.Wrap(err, "serve kcp")
	}
	return &KCPListener{pc: pc, ln: ln}, nil
}

func (l *KCPListener) Accept() (Transport, error) {
	s, err := l.ln.AcceptKCP()
	if err != nil {
		return nil, err
	}
	tuneKCP(s)
	return NewConn(s), nil
}

func (l *KCPListener) AcceptWithin(d time.Duration) (Transport, error) {
	if err := l.ln.SetDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	defer l.ln.SetDeadline(time.Time{})
	return l.Accept()
}

func (l *KCPListener) Addr() net.Addr {
	return l.pc.LocalAddr()
}

func (l *KCPListener) Close() error {
	err := l.ln.Close()
	if cerr := l.pc.Close(); err == nil {
		err = cerr
	}
	return err
}

// DialKCP opens a session towards addr. KCP has no connect phase, so the
// peer only learns about the session once the first bytes arrive.
func DialKCP(addr string) (Transport, error) {
	s, err := kcp.DialWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "dial kcp %s", addr)
	}
	tuneKCP(s)
	return NewConn(s), nil
}

func tuneKCP(s *kcp.UDPSession) {
	s.SetStreamMode(true)
	s.SetWindowSize(kcpWindow, kcpWindow)
	s.SetNoDelay(1, kcpInterval, 2, 1)
	s.SetACKNoDelay(true)
}
