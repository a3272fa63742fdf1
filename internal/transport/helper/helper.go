// Package helper drives an external pairing helper process over a JSON-lines
// protocol. The helper owns the messaging-network client; this side only
// sends requests on stdin and reads connection updates from stdout.
//
// Requests (stdin):
//
//	{"op":"pair","subject":"15551234567"}
//
// Messages (stdout):
//
//	{"type":"connection","kind":"open","registered":true}
//	{"type":"connection","kind":"close","status":515}
//	{"type":"connection","kind":"close","status":401,"reason":"logged_out"}
//	{"type":"code","code":"ABCD-1234"}
//	{"type":"code_error","message":"rate limit exceeded"}
//
// A close without a reason is classified by its status. Closing stdin asks
// the helper to flush its credentials into the auth dir and exit.
package helper

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/szaher/designs/botfleet/internal/transport"
)

// ErrExited is returned when the helper process goes away while a request
// is outstanding.
var ErrExited = errors.New("pairing helper exited")

// Dialer spawns one helper process per connection.
type Dialer struct {
	command string
	args    []string
	env     []string
	logger  *slog.Logger
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithEnv adds environment variables to the helper process.
func WithEnv(env ...string) Option {
	return func(d *Dialer) { d.env = append(d.env, env...) }
}

// WithLogger sets the logger for helper diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) { d.logger = l }
}

// New creates a dialer for command. The helper is invoked as
// "command args... --auth-dir <dir>".
func New(command string, args []string, opts ...Option) *Dialer {
	d := &Dialer{command: command, args: args, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial starts the helper. The process is killed when ctx is done or the
// connection is closed.
func (d *Dialer) Dial(ctx context.Context, authDir string) (transport.Conn, error) {
	if d.command == "" {
		return nil, errors.New("pairing helper command is not configured")
	}
	args := append(append([]string{}, d.args...), "--auth-dir", authDir)
	cmd := exec.Command(d.command, args...)
	cmd.Env = append(os.Environ(), d.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pairing helper: %w", err)
	}

	c := &conn{
		cmd:     cmd,
		stdin:   stdin,
		events:  make(chan transport.Event, 16),
		replies: make(chan reply, 1),
		closed:  make(chan struct{}),
		exited:  make(chan struct{}),
		logger:  d.logger.With("helper_pid", cmd.Process.Pid),
	}
	go c.logStderr(stderr)
	go c.read(stdout)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.exited:
		}
	}()
	return c, nil
}

type request struct {
	Op      string `json:"op"`
	Subject string `json:"subject,omitempty"`
}

type message struct {
	Type string `json:"type"`
	Code string `json:"code,omitempty"`
	transport.Event
}

type reply struct {
	code string
	err  error
}

type conn struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	events  chan transport.Event
	replies chan reply

	closeOnce sync.Once
	closed    chan struct{}
	exited    chan struct{}
	logger    *slog.Logger
}

func (c *conn) Events() <-chan transport.Event { return c.events }

func (c *conn) RequestPairingCode(ctx context.Context, subject string) (string, error) {
	payload, err := json.Marshal(request{Op: "pair", Subject: subject})
	if err != nil {
		return "", err
	}
	c.writeMu.Lock()
	_, err = c.stdin.Write(append(payload, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("send pair request: %w", err)
	}

	select {
	case r := <-c.replies:
		return r.code, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.exited:
		select {
		case r := <-c.replies:
			return r.code, r.err
		default:
			return "", ErrExited
		}
	}
}

func (c *conn) Finish(ctx context.Context) error {
	c.writeMu.Lock()
	_ = c.stdin.Close()
	c.writeMu.Unlock()

	events := c.events
	for {
		select {
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case <-c.exited:
			return nil
		case <-ctx.Done():
			_ = c.Close()
			return ctx.Err()
		}
	}
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.stdin.Close()
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	})
	return nil
}

func (c *conn) read(stdout io.Reader) {
	defer close(c.exited)
	defer close(c.events)

	sawClose := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var m message
		if err := json.Unmarshal(line, &m); err != nil {
			c.logger.Debug("helper output", "line", string(line))
			continue
		}
		switch m.Type {
		case "connection":
			ev := m.Event.Normalize()
			if ev.Kind == transport.KindClose {
				sawClose = true
			}
			c.send(ev)
		case "code":
			c.reply(reply{code: m.Code})
		case "code_error":
			c.reply(reply{err: errors.New(m.Message)})
		default:
			c.logger.Debug("unknown helper message", "type", m.Type)
		}
	}

	err := c.cmd.Wait()
	if sawClose {
		return
	}
	msg := "pairing helper exited"
	if err != nil {
		msg = fmt.Sprintf("pairing helper exited: %v", err)
	}
	c.send(transport.Event{Kind: transport.KindClose, Reason: transport.ReasonOther, Message: msg})
}

func (c *conn) send(ev transport.Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *conn) reply(r reply) {
	select {
	case c.replies <- r:
	default:
		c.logger.Warn("dropping unsolicited pairing code reply")
	}
}

func (c *conn) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.logger.Debug("helper stderr", "line", scanner.Text())
	}
}
