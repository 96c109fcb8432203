package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/torosent/chatswarm/internal/clientmetrics"
)

var (
	// ErrNotConnected is returned by operations that need an open connection.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned when Connect is called twice.
	ErrAlreadyConnected = errors.New("already connected")
)

// Message represents a WebSocket message to send or receive.
type Message struct {
	Type int // websocket.TextMessage or websocket.BinaryMessage
	Data []byte
}

// Text builds a text frame.
func Text(data []byte) Message {
	return Message{Type: websocket.TextMessage, Data: data}
}

// Metrics captures WebSocket-specific performance data.
type Metrics = clientmetrics.Snapshot

// Client represents a WebSocket client connection.
type Client struct {
	url          string
	headers      http.Header
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	readLimit    int64

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	closeSent bool
	metrics   *clientmetrics.ClientMetrics
}

// Config configures the WebSocket client behavior.
type Config struct {
	URL              string
	Headers          http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
	// Clock overrides time.Now for latency measurement.
	Clock func() time.Time
}

// NewClient creates a new WebSocket client with the given configuration.
func NewClient(cfg Config) *Client {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1024 * 1024 // 1MB default
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	return &Client{
		url:          cfg.URL,
		headers:      cfg.Headers,
		dialer:       dialer,
		writeTimeout: cfg.WriteTimeout,
		readLimit:    cfg.MaxMessageSize,
		metrics:      clientmetrics.NewWithClock(cfg.Clock),
	}
}

// Connect performs the opening handshake. It returns the HTTP status of the
// handshake response (101 on success) and the connect latency. The status is
// 0 when no response was received at all.
func (c *Client) Connect(ctx context.Context) (int, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return 0, 0, ErrAlreadyConnected
	}

	c.metrics.MarkConnecting()
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.headers)
	status := 0
	if resp != nil {
		status = resp.StatusCode
		if resp.Body != nil {
			resp.Body.Close()
		}
	}
	if err != nil {
		c.metrics.IncrementErrors()
		if status != 0 {
			return status, 0, fmt.Errorf("websocket dial failed with status %d: %w", status, err)
		}
		return 0, 0, fmt.Errorf("websocket dial failed: %w", err)
	}

	latency := c.metrics.MarkConnected()
	conn.SetReadLimit(c.readLimit)
	c.conn = conn
	c.closeSent = false

	return status, latency, nil
}

// SendMessage writes one frame and returns once the write completed locally.
// The write is bounded by the configured write timeout or the context
// deadline, whichever comes first.
func (c *Client) SendMessage(ctx context.Context, msg Message) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)

	if err := conn.WriteMessage(msg.Type, msg.Data); err != nil {
		c.metrics.IncrementErrors()
		return fmt.Errorf("write message: %w", err)
	}

	c.metrics.IncrementSent(int64(len(msg.Data)))
	return nil
}

// ReceiveMessage blocks until a frame arrives or the connection fails.
// Only one goroutine may receive at a time. Closing the client unblocks it.
func (c *Client) ReceiveMessage(ctx context.Context) (Message, error) {
	conn := c.current()
	if conn == nil {
		return Message{}, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		if !IsNormalClose(err) {
			c.metrics.IncrementErrors()
		}
		return Message{}, fmt.Errorf("read message: %w", err)
	}

	c.metrics.IncrementReceived(int64(len(data)))
	return Message{Type: msgType, Data: data}, nil
}

// SendClose starts the closing handshake by writing a normal close frame.
// It does not release the socket; call Close for that. The close frame waits
// behind a pending write for at most timeout, and CloseNow may run meanwhile.
func (c *Client) SendClose(timeout time.Duration) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.closeSent {
		c.mu.Unlock()
		return nil
	}
	c.closeSent = true
	c.mu.Unlock()

	return writeClose(conn, timeout)
}

// Close closes the WebSocket connection, sending a close frame first unless
// one was already sent. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, closeSent := c.conn, c.closeSent
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	var err error
	if !closeSent {
		err = writeClose(conn, 5*time.Second)
	}
	closeErr := conn.Close()
	c.metrics.MarkClosed()

	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return closeErr
}

// CloseNow releases the socket without a closing handshake. It unblocks any
// pending read or write.
func (c *Client) CloseNow() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	c.metrics.MarkClosed()
	return err
}

// Connected reports whether the socket is currently held.
func (c *Client) Connected() bool {
	return c.current() != nil
}

// Metrics returns the connection's traffic totals. They survive Close, so the
// owner can read them after releasing the socket.
func (c *Client) Metrics() Metrics {
	return c.metrics.Snapshot()
}

func writeClose(conn *websocket.Conn, timeout time.Duration) error {
	return conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(timeout),
	)
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// IsNormalClose reports whether err is a clean close initiated by either peer.
func IsNormalClose(err error) bool {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
}
