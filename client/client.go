// Package client is the initiating side: it opens the control connection,
// forwards command lines and runs downloads and uploads through the same
// engine the server uses. When a transfer loses its transport the client
// redials and repeats its identifier until the server takes it back.
package client

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"rft/dispatch"
	"rft/transfer"
	"rft/transport"
)

const (
	redialInterval = 200 * time.Millisecond
	// settleWindow is how long to wait for more lines once a reply started.
	settleWindow = 150 * time.Millisecond
)

var (
	ErrBadName = errors.New("file name must look like name.ext")
	ErrNoReply = errors.New("server did not reply")
)

type Config struct {
	Addr string
	// Root is the local directory downloads land in and uploads come from.
	Root string

	Transfer     transfer.Options
	DialTimeout  time.Duration
	ReplyTimeout time.Duration

	// ID is announced on every connection. Zero picks a fresh one.
	ID int64
}

func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:9900",
		Root:         ".",
		Transfer:     transfer.DefaultOptions(),
		DialTimeout:  15 * time.Second,
		ReplyTimeout: 5 * time.Second,
	}
}

// Result is the outcome of one download or upload.
type Result struct {
	// OK holds when both the local engine and the server report success.
	OK    bool
	Reply string
	State transfer.State
}

type Client struct {
	cfg    Config
	id     int64
	conn   transport.Transport
	engine *transfer.Engine
	log    logrus.FieldLogger
}

// Dial connects to the server and identifies.
func Dial(cfg Config, log logrus.FieldLogger) (*Client, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Client{
		cfg:    cfg,
		id:     cfg.ID,
		engine: transfer.New(cfg.Transfer, log),
		log:    log.WithField("component", "client"),
	}
	if c.id == 0 {
		c.id = NewID()
	}

	conn, err := c.dialTCP(cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.log.WithFields(logrus.Fields{"addr": cfg.Addr, "id": c.id}).Debug("Connected")
	return c, nil
}

func (c *Client) ID() int64 {
	return c.id
}

func (c *Client) SetObserver(o transfer.Observer) {
	c.engine.SetObserver(o)
}

// Close ends the session politely and drops the connection.
func (c *Client) Close() error {
	c.conn.SetSendTimeout(time.Second)
	c.conn.SendLine("quit")
	return c.conn.Close()
}

func (c *Client) dialTCP(timeout time.Duration) (transport.Transport, error) {
	t, err := transport.DialTCP(c.cfg.Addr, timeout)
	if err != nil {
		return nil, err
	}
	return c.identify(t)
}

// dialKCP opens a data session and waits up to timeout for the server to
// admit it. KCP itself never reports an absent peer.
func (c *Client) dialKCP(timeout time.Duration) (transport.Transport, error) {
	t, err := transport.DialKCP(c.cfg.Addr)
	if err != nil {
		return nil, err
	}
	if t, err = c.identify(t); err != nil {
		return nil, err
	}

	defer t.SetReceiveTimeout(0)
	t.SetReceiveTimeout(timeout)
	line, err := t.ReceiveLine()
	if err != nil || !transport.IsConfirm(line) {
		t.Close()
		if err == nil {
			err = errors.Errorf("unexpected admission %q", trimLine(line))
		}
		return nil, errors.Wrap(err, "data session not admitted")
	}
	return t, nil
}

func (c *Client) identify(t transport.Transport) (transport.Transport, error) {
	if err := t.SendValue(c.id); err != nil {
		t.Close()
		return nil, errors.Wrap(err, "send identifier")
	}
	return t, nil
}

func (c *Client) replaceConn(t transport.Transport) {
	c.conn.Close()
	c.conn = t
}

// redial returns a Reconnect that keeps dialing until one attempt both
// connects and identifies, or timeout runs out.
func (c *Client) redial(dial func(time.Duration) (transport.Transport, error), adopt func(transport.Transport)) transfer.Reconnect {
	return func(timeout time.Duration) transport.Transport {
		deadline := time.Now().Add(timeout)
		for {
			left := time.Until(deadline)
			if left <= 0 {
				c.log.WithField("timeout", timeout).Warn("Server did not take the client back")
				return nil
			}
			t, err := dial(left)
			if err == nil {
				c.log.WithField("addr", c.cfg.Addr).Info("Reconnected")
				adopt(t)
				return t
			}
			c.log.WithError(err).Debug("Redial failed")
			time.Sleep(min(redialInterval, left))
		}
	}
}

// Command sends one control line and returns the reply lines without their
// terminators. It waits ReplyTimeout for the first line, then collects what
// follows within a short settle window.
func (c *Client) Command(line string) ([]string, error) {
	if err := c.conn.SendLine(line); err != nil {
		return nil, err
	}
	return c.replies()
}

func (c *Client) replies() ([]string, error) {
	defer c.conn.SetReceiveTimeout(0)

	c.conn.SetReceiveTimeout(c.cfg.ReplyTimeout)
	first, err := c.conn.ReceiveLine()
	if err != nil {
		return nil, errors.Wrap(ErrNoReply, err.Error())
	}
	out := []string{trimLine(first)}

	c.conn.SetReceiveTimeout(settleWindow)
	for {
		line, err := c.conn.ReceiveLine()
		if err != nil {
			return out, nil
		}
		out = append(out, trimLine(line))
	}
}

func trimLine(line string) string {
	return strings.TrimRight(line, "\r\n")
}

// Download fetches name from the server root into the local root.
func (c *Client) Download(name string, udp bool) (Result, error) {
	return c.transfer("download", transfer.Receiving, name, udp)
}

// Upload sends name from the local root into the server root.
func (c *Client) Upload(name string, udp bool) (Result, error) {
	return c.transfer("upload", transfer.Sending, name, udp)
}

func (c *Client) transfer(command string, dir transfer.Direction, name string, udp bool) (Result, error) {
	if name == "" || dispatch.FileName(name) != name {
		return Result{}, ErrBadName
	}
	if udp {
		command += "_udp"
	}
	if err := c.conn.SendLine(command + " " + name); err != nil {
		return Result{}, err
	}

	data := c.conn
	reconnect := c.redial(c.dialTCP, c.replaceConn)
	if udp {
		t, err := c.dialKCP(c.cfg.DialTimeout)
		if err != nil {
			c.replies()
			return Result{}, err
		}
		data = t
		defer func() { data.Close() }()
		reconnect = c.redial(c.dialKCP, func(t transport.Transport) {
			data.Close()
			data = t
		})
	}

	path := filepath.Join(c.cfg.Root, name)
	var ok bool
	if dir == transfer.Sending {
		ok = c.engine.Send(data, path, reconnect)
	} else {
		ok = c.engine.Receive(data, path, reconnect)
	}

	res := Result{OK: ok, State: c.engine.State()}
	replies, err := c.replies()
	if err != nil {
		res.OK = false
		return res, err
	}
	res.Reply = replies[len(replies)-1]
	if strings.HasPrefix(res.Reply, "fail") {
		res.OK = false
	}
	return res, nil
}
