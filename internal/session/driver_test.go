package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/torosent/chatswarm/internal/chatserver"
	"github.com/torosent/chatswarm/internal/metrics"
)

// recorder wraps a collector and remembers the order of timing samples.
type recorder struct {
	*metrics.Collector

	mu     sync.Mutex
	timing []string
}

func newRecorder() *recorder {
	return &recorder{Collector: metrics.NewCollector()}
}

func (r *recorder) ObserveDuration(name string, d time.Duration) {
	r.mu.Lock()
	r.timing = append(r.timing, name)
	r.mu.Unlock()
	r.Collector.ObserveDuration(name, d)
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.timing...)
}

type transitions struct {
	mu   sync.Mutex
	seen []State
	hit  map[State]chan struct{}
}

func newTransitions(watch ...State) *transitions {
	t := &transitions{hit: make(map[State]chan struct{})}
	for _, s := range watch {
		t.hit[s] = make(chan struct{})
	}
	return t
}

func (t *transitions) hook(_, to State) {
	t.mu.Lock()
	t.seen = append(t.seen, to)
	ch := t.hit[to]
	t.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (t *transitions) states() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]State(nil), t.seen...)
}

func (t *transitions) await(tb testing.TB, s State) {
	tb.Helper()
	select {
	case <-t.hit[s]:
	case <-time.After(5 * time.Second):
		tb.Fatalf("state %s never reached", s)
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func chatTarget(t *testing.T) (*chatserver.Server, string) {
	t.Helper()
	srv := chatserver.New(chatserver.Options{Logger: zaptest.NewLogger(t)})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, wsURL(ts.URL)
}

// rawTarget serves handler on every upgraded connection. The handler should
// return when done is closed.
func rawTarget(t *testing.T, handler func(conn *gorilla.Conn, done <-chan struct{})) string {
	t.Helper()
	done := make(chan struct{})
	upgrader := gorilla.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, done)
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(done) })
	return wsURL(ts.URL)
}

func fastConfig(url string) Config {
	return Config{
		URL:              url,
		Topic:            "chat",
		Messages:         1,
		SubscribeDwell:   200 * time.Millisecond,
		UnsubscribeDwell: 20 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     time.Second,
		DrainTimeout:     time.Second,
		FromPrefix:       "test_user_",
	}
}

func TestHealthyLifecycle(t *testing.T) {
	_, url := chatTarget(t)
	rec := newRecorder()
	tr := newTransitions()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))

	d := New(Identity{ID: 7}, fastConfig(url), rec,
		WithLogger(zaptest.NewLogger(t)),
		WithTracer(tp.Tracer("test"), false),
		WithTransitionHook(tr.hook))

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if d.State() != Closed {
		t.Fatalf("State = %s, want closed", d.State())
	}

	want := []State{Connecting, Open, Subscribed, Unsubscribing, Closing, Closed}
	if got := tr.states(); !equalStates(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}

	snap := rec.Snapshot()
	if got := snap.Distributions[metrics.ConnectTime].Count; got != 1 {
		t.Errorf("%s count = %d, want 1", metrics.ConnectTime, got)
	}
	if got := snap.Distributions[metrics.SendMessageTime].Count; got != 1 {
		t.Errorf("%s count = %d, want 1", metrics.SendMessageTime, got)
	}
	if got := snap.Distributions[metrics.SessionDuration].Count; got != 1 {
		t.Errorf("%s count = %d, want 1", metrics.SessionDuration, got)
	}
	if got := snap.Counter(metrics.MessagesSent); got != 3 {
		t.Errorf("%s = %v, want 3 (subscribe, chat, unsubscribe)", metrics.MessagesSent, got)
	}
	if got := snap.Counter(metrics.MessagesRecv); got < 1 {
		t.Errorf("%s = %v, want the echoed broadcast", metrics.MessagesRecv, got)
	}
	if snap.Counter(metrics.DataSent) <= 0 {
		t.Errorf("%s not recorded", metrics.DataSent)
	}
	if snap.Counter(metrics.DataReceived) <= 0 {
		t.Errorf("%s not recorded", metrics.DataReceived)
	}
	if got := snap.Counter(metrics.Errors); got != 0 {
		t.Errorf("errors = %v, want 0", got)
	}
	if got := snap.Counter(metrics.Sessions); got != 1 {
		t.Errorf("%s = %v, want 1", metrics.Sessions, got)
	}
	if c := snap.Checks[CheckConnected]; c.Passes != 1 || c.Fails != 0 {
		t.Errorf("check %q = %+v", CheckConnected, c)
	}
	if c := snap.Checks[CheckMessageReceived]; c.Passes < 1 || c.Fails != 0 {
		t.Errorf("check %q = %+v", CheckMessageReceived, c)
	}

	order := rec.order()
	if len(order) < 3 || order[0] != metrics.ConnectTime || order[1] != metrics.SendMessageTime {
		t.Errorf("timing order = %v, want connect before send", order)
	}
	if order[len(order)-1] != metrics.SessionDuration {
		t.Errorf("timing order = %v, want session duration last", order)
	}
	if d.ConnectStart().IsZero() || d.LastActivity().Before(d.ConnectStart()) {
		t.Errorf("timestamps: connect=%s last=%s", d.ConnectStart(), d.LastActivity())
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if got := len(spans[0].Events); got != len(want) {
		t.Errorf("span events = %d, want %d", got, len(want))
	}
}

func TestRefusedHandshakeFails(t *testing.T) {
	srv, url := chatTarget(t)
	srv.SetRefuse(true)
	rec := newRecorder()
	tr := newTransitions()

	d := New(Identity{ID: 1}, fastConfig(url), rec, WithTransitionHook(tr.hook))
	err := d.Run(context.Background())
	if err == nil {
		t.Fatal("Run() error = nil, want connect failure")
	}
	if !errors.Is(err, gorilla.ErrBadHandshake) {
		t.Errorf("Run() error = %v, want ErrBadHandshake in chain", err)
	}
	if d.State() != Failed {
		t.Errorf("State = %s, want failed", d.State())
	}
	if got := tr.states(); !equalStates(got, []State{Connecting, Failed}) {
		t.Errorf("transitions = %v", got)
	}

	snap := rec.Snapshot()
	if snap.Counter(metrics.ConnectErrors) != 1 || snap.Counter(metrics.Errors) != 1 {
		t.Errorf("connect errors/errors = %v/%v, want 1/1", snap.Counter(metrics.ConnectErrors), snap.Counter(metrics.Errors))
	}
	if _, ok := snap.Distributions[metrics.ConnectTime]; ok {
		t.Error("failed connect must not record ws_connect_time")
	}
	if c := snap.Checks[CheckConnected]; c.Fails != 1 {
		t.Errorf("check %q = %+v, want one failure", CheckConnected, c)
	}
	if snap.ErrorBreakdown[stageConnect] == nil {
		t.Errorf("error breakdown = %v, want a connect entry", snap.ErrorBreakdown)
	}
}

func TestRetireSkipsDwell(t *testing.T) {
	_, url := chatTarget(t)
	cfg := fastConfig(url)
	cfg.SubscribeDwell = time.Minute
	rec := newRecorder()
	tr := newTransitions(Subscribed)

	d := New(Identity{ID: 2}, cfg, rec, WithTransitionHook(tr.hook))
	result := make(chan error, 1)
	go func() { result <- d.Run(context.Background()) }()

	tr.await(t, Subscribed)
	start := time.Now()
	d.Retire()
	d.Retire()

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retired session did not finish")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("retirement took %s", elapsed)
	}
	want := []State{Connecting, Open, Subscribed, Closing, Closed}
	if got := tr.states(); !equalStates(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if got := rec.Snapshot().Counter(metrics.Errors); got != 0 {
		t.Errorf("errors = %v, want 0", got)
	}
}

func TestContextCancelClosesSession(t *testing.T) {
	_, url := chatTarget(t)
	cfg := fastConfig(url)
	cfg.UnsubscribeDwell = time.Minute
	cfg.SubscribeDwell = 0
	tr := newTransitions(Unsubscribing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(Identity{ID: 3}, cfg, newRecorder(), WithTransitionHook(tr.hook))
	result := make(chan error, 1)
	go func() { result <- d.Run(ctx) }()

	tr.await(t, Unsubscribing)
	cancel()

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled session did not finish")
	}
	if d.State() != Closed {
		t.Errorf("State = %s, want closed", d.State())
	}
}

func TestRetireBeforeRun(t *testing.T) {
	_, url := chatTarget(t)
	d := New(Identity{ID: 4}, fastConfig(url), newRecorder())
	d.Retire()

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if d.State() != Closed {
		t.Errorf("State = %s, want closed", d.State())
	}
}

func TestMalformedFramesDoNotEndSession(t *testing.T) {
	url := rawTarget(t, func(conn *gorilla.Conn, done <-chan struct{}) {
		conn.WriteMessage(gorilla.TextMessage, []byte("garbage"))
		conn.WriteMessage(gorilla.TextMessage, []byte(`{"type":"chat:message","payload":{"from":"x","message":""}}`))
		conn.WriteMessage(gorilla.TextMessage, []byte(`{"type":"chat:message","payload":{"from":"x","message":"hi"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	d := New(Identity{ID: 5}, fastConfig(url), rec)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if d.State() != Closed {
		t.Errorf("State = %s, want closed", d.State())
	}

	snap := rec.Snapshot()
	if got := snap.Counter(metrics.ProtocolErrors); got != 2 {
		t.Errorf("%s = %v, want 2", metrics.ProtocolErrors, got)
	}
	if got := snap.Counter(metrics.Errors); got != 2 {
		t.Errorf("errors = %v, want 2", got)
	}
	if c := snap.Checks[CheckMessageReceived]; c.Passes != 1 || c.Fails != 1 {
		t.Errorf("check %q = %+v, want 1 pass 1 fail", CheckMessageReceived, c)
	}
}

func TestAbruptDisconnectFails(t *testing.T) {
	url := rawTarget(t, func(conn *gorilla.Conn, done <-chan struct{}) {
		conn.ReadMessage()
		conn.UnderlyingConn().Close()
	})

	cfg := fastConfig(url)
	cfg.SubscribeDwell = 5 * time.Second
	rec := newRecorder()
	tr := newTransitions()
	d := New(Identity{ID: 6}, cfg, rec, WithTransitionHook(tr.hook))

	err := d.Run(context.Background())
	if err == nil {
		t.Fatal("Run() error = nil, want transport failure")
	}
	if d.State() != Failed {
		t.Errorf("State = %s, want failed", d.State())
	}
	if got := rec.Snapshot().Counter(metrics.Errors); got < 1 {
		t.Errorf("errors = %v, want >= 1", got)
	}
	states := tr.states()
	if states[len(states)-1] != Failed {
		t.Errorf("transitions = %v, want to end in failed", states)
	}
}

func TestPeerCloseEndsGracefully(t *testing.T) {
	url := rawTarget(t, func(conn *gorilla.Conn, done <-chan struct{}) {
		conn.ReadMessage()
		conn.WriteControl(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(gorilla.CloseGoingAway, "restart"),
			time.Now().Add(time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := fastConfig(url)
	cfg.SubscribeDwell = 5 * time.Second
	rec := newRecorder()
	d := New(Identity{ID: 8}, cfg, rec)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if d.State() != Closed {
		t.Errorf("State = %s, want closed", d.State())
	}
	if got := rec.Snapshot().Counter(metrics.Errors); got != 0 {
		t.Errorf("errors = %v, want 0", got)
	}
}

func TestDrainTimeoutBoundsClose(t *testing.T) {
	url := rawTarget(t, func(conn *gorilla.Conn, done <-chan struct{}) {
		<-done
	})

	cfg := fastConfig(url)
	cfg.SubscribeDwell = 10 * time.Millisecond
	cfg.UnsubscribeDwell = 10 * time.Millisecond
	cfg.DrainTimeout = 100 * time.Millisecond

	d := New(Identity{ID: 9}, cfg, newRecorder())
	start := time.Now()
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Run took %s, want close bounded by drain timeout", elapsed)
	}
	if d.State() != Closed {
		t.Errorf("State = %s, want closed", d.State())
	}
}

func TestRetireReleasesStalledSend(t *testing.T) {
	url := rawTarget(t, func(conn *gorilla.Conn, done <-chan struct{}) {
		<-done
	})

	cfg := fastConfig(url)
	cfg.Messages = 10_000_000
	cfg.WriteTimeout = 10 * time.Second
	cfg.DrainTimeout = 200 * time.Millisecond
	tr := newTransitions(Subscribed)
	rec := newRecorder()

	d := New(Identity{ID: 12}, cfg, rec, WithTransitionHook(tr.hook))
	errc := make(chan error, 1)
	go func() { errc <- d.Run(context.Background()) }()
	tr.await(t, Subscribed)

	// Wait until sends stop completing because the server never reads.
	deadline := time.Now().Add(10 * time.Second)
	for last := int64(-1); ; {
		time.Sleep(200 * time.Millisecond)
		n := int64(rec.Snapshot().Counter(metrics.MessagesSent))
		if n == last {
			break
		}
		last = n
		if time.Now().After(deadline) {
			t.Fatal("sends never stalled")
		}
	}

	retired := time.Now()
	d.Retire()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil for a retired session", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Retire")
	}
	if elapsed := time.Since(retired); elapsed > cfg.DrainTimeout+time.Second {
		t.Errorf("Run returned %s after Retire, want within drain timeout %s", elapsed, cfg.DrainTimeout)
	}
	if d.State() != Closed {
		t.Errorf("State = %s, want closed", d.State())
	}
	if rec.Snapshot().Counter(metrics.DataSent) <= 0 {
		t.Errorf("%s not recorded for a released socket", metrics.DataSent)
	}
}

func TestCancelReleasesStalledSend(t *testing.T) {
	url := rawTarget(t, func(conn *gorilla.Conn, done <-chan struct{}) {
		<-done
	})

	cfg := fastConfig(url)
	cfg.Messages = 10_000_000
	cfg.WriteTimeout = 10 * time.Second
	cfg.DrainTimeout = 150 * time.Millisecond
	tr := newTransitions(Subscribed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(Identity{ID: 13}, cfg, newRecorder(), WithTransitionHook(tr.hook))
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	tr.await(t, Subscribed)

	// Give the sender time to fill the socket buffers.
	time.Sleep(time.Second)
	cancelled := time.Now()
	cancel()
	select {
	case <-errc:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if elapsed := time.Since(cancelled); elapsed > cfg.DrainTimeout+time.Second {
		t.Errorf("Run returned %s after cancel, want within drain timeout %s", elapsed, cfg.DrainTimeout)
	}
	if !d.State().Terminal() {
		t.Errorf("State = %s, want terminal", d.State())
	}
}

func TestRunTwice(t *testing.T) {
	srv, url := chatTarget(t)
	srv.SetRefuse(true)
	d := New(Identity{ID: 10}, fastConfig(url), newRecorder())
	_ = d.Run(context.Background())
	if err := d.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Run() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestMultipleMessagesWithPacing(t *testing.T) {
	_, url := chatTarget(t)
	cfg := fastConfig(url)
	cfg.Messages = 3
	cfg.PacingMin = 5 * time.Millisecond
	cfg.PacingMax = 15 * time.Millisecond
	rec := newRecorder()

	if err := New(Identity{ID: 11}, cfg, rec).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	snap := rec.Snapshot()
	if got := snap.Distributions[metrics.SendMessageTime].Count; got != 3 {
		t.Errorf("%s count = %d, want 3", metrics.SendMessageTime, got)
	}
	if got := snap.Counter(metrics.MessagesSent); got != 5 {
		t.Errorf("%s = %v, want 5", metrics.MessagesSent, got)
	}
}

func TestPacingBounds(t *testing.T) {
	d := New(Identity{ID: 1}, Config{PacingMin: 10 * time.Millisecond, PacingMax: 20 * time.Millisecond}, newRecorder())
	for i := 0; i < 100; i++ {
		p := d.pacing()
		if p < 10*time.Millisecond || p > 20*time.Millisecond {
			t.Fatalf("pacing() = %s, out of bounds", p)
		}
	}
	d = New(Identity{ID: 1}, Config{PacingMin: 10 * time.Millisecond}, newRecorder())
	if p := d.pacing(); p != 10*time.Millisecond {
		t.Errorf("pacing() = %s, want fixed minimum", p)
	}
}

func TestIdentityAndDefaults(t *testing.T) {
	id := Identity{ID: 42}
	if id.Name() != "VU-42" {
		t.Errorf("Name() = %q", id.Name())
	}
	d := New(id, Config{}, newRecorder())
	if d.State() != Idle {
		t.Errorf("State = %s, want idle", d.State())
	}
	if d.cfg.Messages != 1 || d.cfg.DrainTimeout != defaultDrain {
		t.Errorf("defaults = %+v", d.cfg)
	}
	if d.text(1) != "Hello from VU-42" {
		t.Errorf("text(1) = %q", d.text(1))
	}
}

func TestStateTransitionsTable(t *testing.T) {
	if !canTransition(Subscribed, Closing) || canTransition(Closed, Connecting) || canTransition(Open, Unsubscribing) {
		t.Error("transition table is inconsistent")
	}
	for _, s := range []State{Closed, Failed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if Subscribed.Terminal() {
		t.Error("subscribed is not terminal")
	}
	if State(99).String() != "state(99)" {
		t.Errorf("String() = %q", State(99).String())
	}
}
