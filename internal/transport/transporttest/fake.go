// Package transporttest provides a scripted transport for tests.
package transporttest

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/szaher/designs/botfleet/internal/transport"
)

// Script describes the behavior of one dialed connection.
type Script struct {
	// DialErr fails the dial.
	DialErr error
	// Code and CodeErr are returned by RequestPairingCode.
	Code    string
	CodeErr error
	// Creds, when set, is written to the auth directory before any event
	// is delivered, as a real client persists credentials on registration.
	Creds map[string]string
	// LateCreds is written to the auth directory when Finish is called, as
	// a client that only flushes its final credentials on the way out.
	LateCreds map[string]string
	// Events are delivered in order once the pairing code was requested, or
	// immediately when AutoStart is set (reconnects never request a code).
	Events    []transport.Event
	AutoStart bool
}

// Dialer hands out connections following a list of scripts. Once the list is
// exhausted the last script is reused.
type Dialer struct {
	mu      sync.Mutex
	scripts []Script
	dials   []string
	conns   []*Conn
}

// NewDialer creates a dialer with scripts.
func NewDialer(scripts ...Script) *Dialer {
	return &Dialer{scripts: scripts}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(_ context.Context, authDir string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var s Script
	if n := len(d.dials); n < len(d.scripts) {
		s = d.scripts[n]
	} else if len(d.scripts) > 0 {
		s = d.scripts[len(d.scripts)-1]
	}
	d.dials = append(d.dials, authDir)
	if s.DialErr != nil {
		return nil, s.DialErr
	}

	if err := writeFiles(authDir, s.Creds); err != nil {
		return nil, err
	}

	c := &Conn{
		script:  s,
		authDir: authDir,
		events:  make(chan transport.Event, len(s.Events)+1),
		closed:  make(chan struct{}),
	}
	if s.AutoStart {
		c.deliver()
	}
	d.conns = append(d.conns, c)
	return c, nil
}

// Dials returns the auth directories of every Dial call.
func (d *Dialer) Dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

// Conns returns every connection handed out.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Conn is a scripted connection.
type Conn struct {
	script  Script
	authDir string
	events  chan transport.Event
	once    sync.Once
	closeMu sync.Mutex
	closed  chan struct{}

	mu        sync.Mutex
	requested []string
	finished  bool
}

// Events implements transport.Conn.
func (c *Conn) Events() <-chan transport.Event { return c.events }

// RequestPairingCode implements transport.Conn.
func (c *Conn) RequestPairingCode(ctx context.Context, subject string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.requested = append(c.requested, subject)
	c.mu.Unlock()

	if c.script.CodeErr != nil {
		return "", c.script.CodeErr
	}
	c.deliver()
	return c.script.Code, nil
}

// Requested returns the subjects a code was requested for.
func (c *Conn) Requested() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.requested...)
}

// Finish implements transport.Conn.
func (c *Conn) Finish(ctx context.Context) error {
	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		_ = c.Close()
		return err
	}
	err := writeFiles(c.authDir, c.script.LateCreds)
	_ = c.Close()
	return err
}

// Finished reports whether Finish was called.
func (c *Conn) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) deliver() {
	c.once.Do(func() {
		for _, ev := range c.script.Events {
			c.events <- ev
		}
	})
}

func writeFiles(dir string, files map[string]string) error {
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			return err
		}
	}
	return nil
}
