// Package session drives one simulated chat client through its socket
// lifecycle: connect, subscribe, publish, dwell, unsubscribe and close.
//
// A Driver is an explicit state machine:
//
//	Idle → Connecting → Open → Subscribed → Unsubscribing → Closing → Closed
//
// with Failed as the second terminal state. Retirement or context
// cancellation moves any live session straight to Closing. Inbound frames are
// read by a dedicated goroutine and handed to the driver over a channel, so
// all state changes happen on the goroutine that called Run.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/torosent/chatswarm/internal/metrics"
	"github.com/torosent/chatswarm/internal/protocol"
	"github.com/torosent/chatswarm/internal/tracing"
	"github.com/torosent/chatswarm/internal/websocket"
)

// Check names recorded for every session.
const (
	CheckConnected       = "Connected successfully"
	CheckMessageReceived = "Message received"
)

// Error stages used in the collector's error breakdown.
const (
	stageConnect   = "connect"
	stageSend      = "send"
	stageReceive   = "receive"
	stageProtocol  = "protocol"
	defaultDrain   = 5 * time.Second
	failCloseGrace = time.Second
)

var (
	// ErrAlreadyStarted is returned when Run is called twice on one Driver.
	ErrAlreadyStarted = errors.New("session already started")

	errStopped    = errors.New("session stopped")
	errPeerClosed = errors.New("peer closed the connection")
	errReaderGone = errors.New("connection lost")
)

// Identity names one simulated client. IDs are assigned by the scheduler and
// never reused within a run.
type Identity struct {
	ID   int64
	Tags map[string]string
}

// Name returns the VU label, e.g. "VU-7".
func (i Identity) Name() string {
	return "VU-" + strconv.FormatInt(i.ID, 10)
}

// Config holds the per-session behavior shared by every driver of a run.
type Config struct {
	URL              string
	Headers          map[string]string
	Topic            string
	Messages         int
	SubscribeDwell   time.Duration
	UnsubscribeDwell time.Duration
	PacingMin        time.Duration
	PacingMax        time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	DrainTimeout     time.Duration
	FromPrefix       string
}

// Recorder receives the session's metric samples. *metrics.Collector
// satisfies it.
type Recorder interface {
	ObserveDuration(name string, d time.Duration)
	Inc(name string, delta float64)
	Check(name string, ok bool)
	RecordError(stage string, err error)
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithTracer emits one span per session. When propagate is set the trace
// context is injected into the handshake headers.
func WithTracer(tracer trace.Tracer, propagate bool) Option {
	return func(d *Driver) {
		if tracer != nil {
			d.tracer = tracer
			d.propagate = propagate
		}
	}
}

// WithTransitionHook calls fn after every state change, on the Run goroutine.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(d *Driver) {
		d.hook = fn
	}
}

// Driver owns exactly one session. It is not reusable.
type Driver struct {
	id        Identity
	cfg       Config
	rec       Recorder
	logger    *zap.Logger
	tracer    trace.Tracer
	propagate bool
	hook      func(from, to State)

	mu           sync.Mutex
	state        State
	started      bool
	connectStart time.Time
	client       *websocket.Client

	span       trace.Span
	retire     chan struct{}
	retireOnce sync.Once
}

// New creates a driver in the Idle state.
func New(id Identity, cfg Config, rec Recorder, opts ...Option) *Driver {
	if cfg.Messages <= 0 {
		cfg.Messages = 1
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrain
	}
	d := &Driver{
		id:     id,
		cfg:    cfg,
		rec:    rec,
		logger: zap.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("chatswarm"),
		retire: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	fields := []zap.Field{zap.String("vu", id.Name())}
	if len(id.Tags) > 0 {
		fields = append(fields, zap.Any("tags", id.Tags))
	}
	d.logger = d.logger.With(fields...)
	return d
}

// Identity returns the session's identity.
func (d *Driver) Identity() Identity {
	return d.id
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ConnectStart returns when the handshake began, or zero before Connecting.
func (d *Driver) ConnectStart() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectStart
}

// LastActivity returns when a frame was last sent or received.
func (d *Driver) LastActivity() time.Time {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return time.Time{}
	}
	return client.Metrics().LastActivity
}

// Retire asks the session to skip its remaining dwell and close. It is safe
// to call from any goroutine, any number of times.
func (d *Driver) Retire() {
	d.retireOnce.Do(func() { close(d.retire) })
}

// Run executes the whole lifecycle and returns once the socket is released.
// It returns nil when the session reached Closed and an error when it Failed.
func (d *Driver) Run(ctx context.Context) (err error) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	d.mu.Unlock()

	start := time.Now()
	ctx, d.span = tracing.StartSessionSpan(ctx, d.tracer, d.id.Name(), d.cfg.URL, d.cfg.Topic)
	d.span.SetAttributes(tracing.TagAttributes(d.id.Tags)...)
	d.rec.Inc(metrics.Sessions, 1)
	defer func() {
		d.rec.ObserveDuration(metrics.SessionDuration, time.Since(start))
		tracing.EndSpan(d.span, err, attribute.String("chatswarm.final_state", d.State().String()))
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.retire:
			cancel()
		case <-runCtx.Done():
		}
	}()

	headers := http.Header{}
	for k, v := range d.cfg.Headers {
		headers.Set(k, v)
	}
	if d.propagate {
		tracing.InjectHTTPHeaders(ctx, headers)
	}

	d.transition(Connecting)
	client := websocket.NewClient(websocket.Config{
		URL:              d.cfg.URL,
		Headers:          headers,
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		WriteTimeout:     d.cfg.WriteTimeout,
	})

	d.mu.Lock()
	d.connectStart = time.Now()
	d.client = client
	d.mu.Unlock()

	disarm := d.releaseAfterCancel(runCtx, client)
	defer disarm()

	status, latency, err := client.Connect(runCtx)
	if err != nil {
		if runCtx.Err() != nil {
			d.logger.Debug("stopped while connecting")
			d.transition(Closing)
			d.transition(Closed)
			return nil
		}
		d.rec.Check(CheckConnected, false)
		d.rec.Inc(metrics.ConnectErrors, 1)
		d.rec.RecordError(stageConnect, err)
		d.logger.Warn("connect failed", zap.Int("status", status), zap.Error(err))
		d.transition(Failed)
		return fmt.Errorf("connect %s: %w", d.cfg.URL, err)
	}
	d.rec.Check(CheckConnected, status == http.StatusSwitchingProtocols)
	d.rec.ObserveDuration(metrics.ConnectTime, latency)
	d.transition(Open)
	d.logger.Debug("connected", zap.Duration("latency", latency))

	l := &link{client: client, frames: make(chan frame)}
	go readLoop(client, l.frames)

	return d.converse(runCtx, l)
}

// converse runs the Open, Subscribed and Unsubscribing phases.
func (d *Driver) converse(ctx context.Context, l *link) error {
	if _, err := d.send(ctx, l, protocol.Subscribe(d.cfg.Topic)); err != nil {
		return d.finish(ctx, l, stageSend, err)
	}
	d.transition(Subscribed)

	from := d.cfg.FromPrefix + strconv.FormatInt(d.id.ID, 10)
	for seq := 1; seq <= d.cfg.Messages; seq++ {
		if seq > 1 {
			if err := d.wait(ctx, l, d.pacing()); err != nil {
				return d.finish(ctx, l, stageReceive, err)
			}
		}
		msg, err := protocol.Chat(d.cfg.Topic, from, d.text(seq))
		if err != nil {
			return d.finish(ctx, l, stageSend, err)
		}
		elapsed, err := d.send(ctx, l, msg)
		if err != nil {
			return d.finish(ctx, l, stageSend, err)
		}
		d.rec.ObserveDuration(metrics.SendMessageTime, elapsed)
	}

	if err := d.wait(ctx, l, d.cfg.SubscribeDwell); err != nil {
		return d.finish(ctx, l, stageReceive, err)
	}

	if _, err := d.send(ctx, l, protocol.Unsubscribe(d.cfg.Topic)); err != nil {
		return d.finish(ctx, l, stageSend, err)
	}
	d.transition(Unsubscribing)

	if err := d.wait(ctx, l, d.cfg.UnsubscribeDwell); err != nil {
		return d.finish(ctx, l, stageReceive, err)
	}

	d.shutdown(l)
	return nil
}

func (d *Driver) text(seq int) string {
	if seq == 1 {
		return "Hello from " + d.id.Name()
	}
	return fmt.Sprintf("Hello from %s (%d)", d.id.Name(), seq)
}

func (d *Driver) pacing() time.Duration {
	lo, hi := d.cfg.PacingMin, d.cfg.PacingMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

func (d *Driver) send(ctx context.Context, l *link, msg protocol.Message) (time.Duration, error) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if err := l.client.SendMessage(ctx, websocket.Text(data)); err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	d.rec.Inc(metrics.MessagesSent, 1)
	return elapsed, nil
}

// wait dwells for dur while handling inbound frames. It returns nil once dur
// has elapsed, errStopped on retirement or cancellation, errPeerClosed when
// the server closed cleanly and the transport error otherwise.
func (d *Driver) wait(ctx context.Context, l *link, dur time.Duration) error {
	if err := ctx.Err(); err != nil {
		return errStopped
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return errStopped
		case f, ok := <-l.frames:
			if !ok {
				l.frames = nil
				return errReaderGone
			}
			if err := d.handle(f); err != nil {
				return err
			}
		}
	}
}

func (d *Driver) handle(f frame) error {
	if f.err != nil {
		if websocket.IsNormalClose(f.err) {
			return errPeerClosed
		}
		return f.err
	}

	d.rec.Inc(metrics.MessagesRecv, 1)

	msg, err := protocol.Decode(f.data)
	if err != nil {
		d.protocolError(err)
		return nil
	}
	if msg.Kind() == protocol.KindChat && msg.Topic() == d.cfg.Topic {
		_, err := msg.Chat()
		d.rec.Check(CheckMessageReceived, err == nil)
		if err != nil {
			d.protocolError(err)
		}
	}
	return nil
}

func (d *Driver) protocolError(err error) {
	d.rec.Inc(metrics.ProtocolErrors, 1)
	d.rec.RecordError(stageProtocol, err)
	d.logger.Debug("malformed frame", zap.Error(err))
}

// finish routes an interrupted phase to a graceful close or to Failed.
func (d *Driver) finish(ctx context.Context, l *link, stage string, err error) error {
	switch {
	case errors.Is(err, errStopped), errors.Is(err, errPeerClosed), ctx.Err() != nil:
		d.shutdown(l)
		return nil
	default:
		return d.fail(l, stage, err)
	}
}

// shutdown performs the close handshake bounded by DrainTimeout and always
// releases the socket.
func (d *Driver) shutdown(l *link) {
	d.transition(Closing)

	if err := l.client.SendClose(d.cfg.DrainTimeout); err != nil {
		d.logger.Debug("close frame not sent", zap.Error(err))
		l.client.CloseNow()
	}
	if !d.drain(l, d.cfg.DrainTimeout) {
		d.logger.Debug("close handshake timed out", zap.Duration("drain_timeout", d.cfg.DrainTimeout))
		l.client.CloseNow()
		d.drain(l, 0)
	}
	l.client.Close()
	d.release(l)
	d.transition(Closed)
}

// fail records a transport error, releases the socket and ends in Failed.
func (d *Driver) fail(l *link, stage string, err error) error {
	d.rec.RecordError(stage, err)
	d.logger.Warn("session failed", zap.String("state", d.State().String()), zap.Error(err))

	grace := d.cfg.DrainTimeout
	if grace > failCloseGrace {
		grace = failCloseGrace
	}
	_ = l.client.SendClose(grace)
	l.client.CloseNow()
	d.drain(l, 0)
	d.release(l)

	d.transition(Failed)
	return fmt.Errorf("%s: %w", stage, err)
}

// drain consumes frames until the reader exits. With a positive timeout it
// gives up after timeout and reports false; with zero it waits for the
// reader, which must already be unblocked by closing the socket.
func (d *Driver) drain(l *link, timeout time.Duration) bool {
	if l.frames == nil {
		return true
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		select {
		case f, ok := <-l.frames:
			if !ok {
				l.frames = nil
				return true
			}
			if f.err == nil {
				d.rec.Inc(metrics.MessagesRecv, 1)
			}
		case <-expired:
			return false
		}
	}
}

// release publishes the socket's traffic totals once the reader has exited.
func (d *Driver) release(l *link) {
	m := l.client.Metrics()
	d.rec.Inc(metrics.DataSent, float64(m.BytesSent))
	d.rec.Inc(metrics.DataReceived, float64(m.BytesReceived))
	d.logger.Debug("socket released",
		zap.Int64("frames_sent", m.MessagesSent),
		zap.Int64("frames_received", m.MessagesReceived),
		zap.Int64("transport_errors", m.Errors),
		zap.Duration("connected_for", m.ConnectionDuration))
}

// releaseAfterCancel force-closes the socket DrainTimeout after ctx is done.
// Closing unblocks a write stuck on a full send buffer, so a stopped session
// never outlives its drain budget. The returned func disarms it.
func (d *Driver) releaseAfterCancel(ctx context.Context, client *websocket.Client) func() {
	var (
		mu       sync.Mutex
		timer    *time.Timer
		disarmed bool
	)
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if disarmed {
			return
		}
		timer = time.AfterFunc(d.cfg.DrainTimeout, func() {
			if client.Connected() {
				d.logger.Debug("forcing socket release", zap.Duration("drain_timeout", d.cfg.DrainTimeout))
			}
			client.CloseNow()
		})
	})
	return func() {
		stop()
		mu.Lock()
		disarmed = true
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}
}

func (d *Driver) transition(to State) {
	d.mu.Lock()
	from := d.state
	if !canTransition(from, to) {
		d.mu.Unlock()
		d.logger.DPanic("invalid session transition", zap.Stringer("from", from), zap.Stringer("to", to))
		return
	}
	d.state = to
	d.mu.Unlock()

	tracing.RecordTransition(d.span, from.String(), to.String())
	d.logger.Debug("transition", zap.Stringer("from", from), zap.Stringer("to", to))
	if d.hook != nil {
		d.hook(from, to)
	}
}

// link is the driver's view of an open socket.
type link struct {
	client *websocket.Client
	frames chan frame
}

type frame struct {
	data []byte
	err  error
}

// readLoop forwards every inbound frame until the first read error, which is
// forwarded too. It closes out when it returns.
func readLoop(client *websocket.Client, out chan<- frame) {
	defer close(out)
	for {
		msg, err := client.ReceiveMessage(context.Background())
		if err != nil {
			out <- frame{err: err}
			return
		}
		out <- frame{data: msg.Data}
	}
}
