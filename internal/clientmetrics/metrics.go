// Package clientmetrics tracks per-connection timestamps and traffic counters
// for a single socket session.
package clientmetrics

import (
	"sync"
	"time"
)

// ClientMetrics tracks connection timing and message statistics for one
// connection. It is owned by a single session but may be read concurrently.
type ClientMetrics struct {
	mu           sync.Mutex
	now          func() time.Time
	connectStart time.Time
	connectTime  time.Time
	closeTime    time.Time
	lastActivity time.Time
	messagesSent int64
	messagesRecv int64
	bytesSent    int64
	bytesRecv    int64
	errors       int64
}

// New creates a new ClientMetrics instance.
func New() *ClientMetrics {
	return &ClientMetrics{now: time.Now}
}

// NewWithClock creates a ClientMetrics that reads time from now.
func NewWithClock(now func() time.Time) *ClientMetrics {
	if now == nil {
		now = time.Now
	}
	return &ClientMetrics{now: now}
}

// MarkConnecting records the handshake start and returns it.
func (m *ClientMetrics) MarkConnecting() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectStart = m.now()
	m.lastActivity = m.connectStart
	return m.connectStart
}

// MarkConnected records the handshake completion and returns the connect latency.
func (m *ClientMetrics) MarkConnected() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectTime = m.now()
	m.closeTime = time.Time{}
	m.lastActivity = m.connectTime
	if m.connectStart.IsZero() {
		return 0
	}
	return m.connectTime.Sub(m.connectStart)
}

// IncrementSent increments messages sent and bytes sent counters.
func (m *ClientMetrics) IncrementSent(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messagesSent++
	m.bytesSent += bytes
	m.lastActivity = m.now()
}

// IncrementReceived increments messages received and bytes received counters.
func (m *ClientMetrics) IncrementReceived(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messagesRecv++
	m.bytesRecv += bytes
	m.lastActivity = m.now()
}

// IncrementErrors increments the error counter.
func (m *ClientMetrics) IncrementErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

// MarkClosed stops the connection clock. Counters are kept so they can be
// read after the socket is gone. Only the first call after a connect counts.
func (m *ClientMetrics) MarkClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectTime.IsZero() || !m.closeTime.IsZero() {
		return
	}
	m.closeTime = m.now()
}

// Snapshot is a point-in-time copy of the connection statistics.
type Snapshot struct {
	ConnectStart       time.Time
	LastActivity       time.Time
	ConnectionDuration time.Duration
	MessagesSent       int64
	MessagesReceived   int64
	BytesSent          int64
	BytesReceived      int64
	Errors             int64
}

// Snapshot returns a consistent snapshot of all metrics.
func (m *ClientMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	duration := time.Duration(0)
	switch {
	case m.connectTime.IsZero():
	case m.closeTime.IsZero():
		duration = m.now().Sub(m.connectTime)
	default:
		duration = m.closeTime.Sub(m.connectTime)
	}

	return Snapshot{
		ConnectStart:       m.connectStart,
		LastActivity:       m.lastActivity,
		ConnectionDuration: duration,
		MessagesSent:       m.messagesSent,
		MessagesReceived:   m.messagesRecv,
		BytesSent:          m.bytesSent,
		BytesReceived:      m.bytesRecv,
		Errors:             m.errors,
	}
}
