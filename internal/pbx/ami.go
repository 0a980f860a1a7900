// Package pbx talks to Asterisk over the Manager Interface (AMI). It turns
// AMI events into router events and carries out the router's call-control
// commands.
package pbx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotConnected  = errors.New("ami not connected")
	ErrActionFailed  = errors.New("ami action failed")
	ErrActionTimeout = errors.New("ami action timed out")
	ErrBadBanner     = errors.New("not an asterisk manager interface")
)

const bannerPrefix = "Asterisk Call Manager"

// Message is one AMI packet. Keys are case-insensitive.
type Message textproto.MIMEHeader

// Get returns the first value for key.
func (m Message) Get(key string) string {
	return textproto.MIMEHeader(m).Get(key)
}

// EventHandler receives every AMI event on the reader goroutine. It must not
// block for long.
type EventHandler func(ctx context.Context, msg Message)

// Config holds AMI connection settings.
type Config struct {
	Addr     string
	Username string
	Secret   string

	// ActionTimeout bounds the wait for an action response. Defaults to 5s.
	ActionTimeout time.Duration

	// ReconnectDelay is the initial backoff after a lost connection. It
	// doubles up to 30s. Defaults to 1s.
	ReconnectDelay time.Duration
}

// Client is a reconnecting AMI client.
type Client struct {
	cfg     Config
	handler EventHandler
	logger  *slog.Logger

	// dialFunc allows injecting a custom dialer for testing.
	dialFunc func(ctx context.Context, addr string) (net.Conn, error)

	seq atomic.Uint64

	mu      sync.Mutex
	conn    net.Conn
	pending map[string]chan Message

	writeMu sync.Mutex
}

// NewClient creates a client. Call Run to connect.
func NewClient(cfg Config, handler EventHandler, logger *slog.Logger) *Client {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 5 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if handler == nil {
		handler = func(context.Context, Message) {}
	}
	d := &net.Dialer{Timeout: 10 * time.Second}
	return &Client{
		cfg:      cfg,
		handler:  handler,
		logger:   logger.With("subsystem", "ami"),
		dialFunc: func(ctx context.Context, addr string) (net.Conn, error) { return d.DialContext(ctx, "tcp", addr) },
		pending:  make(map[string]chan Message),
	}
}

// Run keeps a logged-in session open until ctx is cancelled, reconnecting
// with backoff when the connection drops.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectDelay
	for {
		start := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.logger.Info("ami client stopped")
			return nil
		}
		if time.Since(start) > time.Minute {
			delay = c.cfg.ReconnectDelay
		}
		c.logger.Warn("ami connection lost, reconnecting", "addr", c.cfg.Addr, "error", err, "retry_in", delay.String())

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		delay = min(delay*2, 30*time.Second)
	}
}

// Connected reports whether a session is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) session(ctx context.Context) error {
	conn, err := c.dialFunc(ctx, c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r := textproto.NewReader(bufio.NewReader(conn))
	banner, err := r.ReadLine()
	if err != nil {
		return fmt.Errorf("reading banner: %w", err)
	}
	if !strings.HasPrefix(banner, bannerPrefix) {
		return fmt.Errorf("%w: %q", ErrBadBanner, banner)
	}

	c.attach(conn)
	defer c.detach()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx, r) }()

	if _, err := c.Action(ctx, "Login", "Username", c.cfg.Username, "Secret", c.cfg.Secret, "Events", "on"); err != nil {
		conn.Close()
		<-readErr
		return fmt.Errorf("login: %w", err)
	}
	c.logger.Info("ami connected", "addr", c.cfg.Addr, "banner", banner)

	return <-readErr
}

func (c *Client) attach(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// detach drops the connection and fails every waiting action.
func (c *Client) detach() {
	c.mu.Lock()
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) readLoop(ctx context.Context, r *textproto.Reader) error {
	for {
		hdr, err := r.ReadMIMEHeader()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return fmt.Errorf("reading packet: %w", err)
		}
		if len(hdr) == 0 {
			continue
		}
		msg := Message(hdr)

		if msg.Get("Response") != "" {
			c.deliver(msg)
			continue
		}
		if msg.Get("Event") != "" {
			c.handler(ctx, msg)
		}
	}
}

func (c *Client) deliver(msg Message) {
	id := msg.Get("ActionID")
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown action", "action_id", id)
		return
	}
	ch <- msg
}

// Action sends an action with the given key/value fields and waits for its
// response. An "Error" response is returned as ErrActionFailed.
func (c *Client) Action(ctx context.Context, name string, fields ...string) (Message, error) {
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("ami action %s: odd number of fields", name)
	}
	id := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan Message, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	var b strings.Builder
	fmt.Fprintf(&b, "Action: %s\r\nActionID: %s\r\n", name, id)
	for i := 0; i < len(fields); i += 2 {
		fmt.Fprintf(&b, "%s: %s\r\n", fields[i], sanitize(fields[i+1]))
	}
	b.WriteString("\r\n")

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.ActionTimeout))
	_, err := io.WriteString(conn, b.String())
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("writing %s action: %w", name, err)
	}

	timer := time.NewTimer(c.cfg.ActionTimeout)
	defer timer.Stop()
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if strings.EqualFold(msg.Get("Response"), "Error") {
			return msg, fmt.Errorf("%w: %s: %s", ErrActionFailed, name, msg.Get("Message"))
		}
		return msg, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrActionTimeout, name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sanitize keeps values on one line so they cannot inject extra headers.
func sanitize(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
