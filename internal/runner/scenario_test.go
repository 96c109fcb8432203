package runner_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/torosent/chatswarm/internal/chatserver"
	"github.com/torosent/chatswarm/internal/metrics"
	"github.com/torosent/chatswarm/internal/runner"
	"github.com/torosent/chatswarm/internal/session"
	"github.com/torosent/chatswarm/internal/threshold"
)

// endStates counts sessions reaching a terminal state.
type endStates struct {
	closed atomic.Int64
	failed atomic.Int64
}

func (e *endStates) hook(_, to session.State) {
	switch to {
	case session.Closed:
		e.closed.Add(1)
	case session.Failed:
		e.failed.Add(1)
	}
}

func chatEndpoint(t *testing.T) (*chatserver.Server, string) {
	t.Helper()
	srv := chatserver.New(chatserver.Options{Logger: zaptest.NewLogger(t)})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func sessionFactory(cfg session.Config, collector *metrics.Collector, ends *endStates) runner.Factory {
	return func(_ context.Context, id int64) (runner.Session, error) {
		return session.New(session.Identity{ID: id}, cfg, collector, session.WithTransitionHook(ends.hook)), nil
	}
}

func scenarioConfig(url string) session.Config {
	return session.Config{
		URL:              url,
		Topic:            "chat",
		Messages:         1,
		SubscribeDwell:   50 * time.Millisecond,
		UnsubscribeDwell: 10 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     time.Second,
		DrainTimeout:     time.Second,
		FromPrefix:       "test_user_",
	}
}

func waitForConnections(t *testing.T, srv *chatserver.Server, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Connections() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server connections = %d, want %d", srv.Connections(), want)
}

func evaluate(t *testing.T, snap metrics.Snapshot, exprs ...string) threshold.Verdict {
	t.Helper()
	ths, err := threshold.ParseMultiple(exprs)
	if err != nil {
		t.Fatalf("ParseMultiple() error = %v", err)
	}
	return threshold.NewEvaluator(ths).Evaluate(snap)
}

// TestScenarioHealthyRamp runs the 1:3:2:1 ramp shape, compressed, against a
// healthy endpoint.
func TestScenarioHealthyRamp(t *testing.T) {
	srv, url := chatEndpoint(t)
	collector := metrics.NewCollector()
	collector.Start()
	ends := &endStates{}

	s := runner.New(runner.Options{
		Stages: []runner.Stage{
			{Duration: 150 * time.Millisecond, Target: 10},
			{Duration: 450 * time.Millisecond, Target: 20},
			{Duration: 300 * time.Millisecond, Target: 20},
			{Duration: 150 * time.Millisecond, Target: 0},
		},
		PollInterval: 25 * time.Millisecond,
		Factory:      sessionFactory(scenarioConfig(url), collector, ends),
		Recorder:     collector,
		Logger:       zaptest.NewLogger(t),
	})

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	snap := collector.Freeze()

	if s.Active() != 0 {
		t.Fatalf("Active() = %d, want 0", s.Active())
	}
	if got := snap.Counter(metrics.Errors); got != 0 {
		t.Fatalf("errors = %v, want 0 (breakdown %v)", got, snap.ErrorBreakdown)
	}
	if res.Failed != 0 || res.Completed != res.Spawned {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.PeakActive > 20 {
		t.Fatalf("PeakActive = %d, exceeds the highest stage target", res.PeakActive)
	}
	if ends.closed.Load() != res.Spawned || ends.failed.Load() != 0 {
		t.Fatalf("closed = %d failed = %d, spawned %d", ends.closed.Load(), ends.failed.Load(), res.Spawned)
	}

	verdict := evaluate(t, snap, "errors < 10", "ws_connect_time:p95 < 2000", "checks:rate == 1")
	if !verdict.Pass {
		t.Fatalf("verdict failed: %+v", verdict.Failed())
	}
	waitForConnections(t, srv, 0)
}

// TestScenarioRefusedHandshakes runs against an endpoint refusing every handshake.
func TestScenarioRefusedHandshakes(t *testing.T) {
	srv, url := chatEndpoint(t)
	srv.SetRefuse(true)
	collector := metrics.NewCollector()
	collector.Start()
	ends := &endStates{}

	s := runner.New(runner.Options{
		Stages:        []runner.Stage{{Duration: 300 * time.Millisecond, Target: 5}},
		Interpolation: runner.InterpolationStep,
		PollInterval:  20 * time.Millisecond,
		Factory:       sessionFactory(scenarioConfig(url), collector, ends),
		Recorder:      collector,
	})

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	snap := collector.Freeze()

	if _, ok := snap.Distributions[metrics.ConnectTime]; ok {
		t.Fatal("refused handshakes must not record ws_connect_time")
	}
	if res.Failed <= 10 {
		t.Fatalf("Failed = %d, want more than 10 attempts", res.Failed)
	}
	if got := snap.Counter(metrics.Errors); got != float64(res.Failed) {
		t.Fatalf("errors = %v, want one per failed attempt (%d)", got, res.Failed)
	}
	if snap.Counter(metrics.ConnectErrors) != snap.Counter(metrics.Errors) {
		t.Fatalf("connect errors %v != errors %v", snap.Counter(metrics.ConnectErrors), snap.Counter(metrics.Errors))
	}
	if srv.Refused() < res.Failed {
		t.Fatalf("server refused %d, sessions failed %d", srv.Refused(), res.Failed)
	}

	verdict := evaluate(t, snap, "errors < 10")
	if verdict.Pass {
		t.Fatal("errors < 10 should fail once attempts exceed 10")
	}
}

// TestScenarioForcedRampDown retires subscribed sessions mid-dwell.
func TestScenarioForcedRampDown(t *testing.T) {
	srv, url := chatEndpoint(t)
	collector := metrics.NewCollector()
	collector.Start()
	ends := &endStates{}

	cfg := scenarioConfig(url)
	cfg.SubscribeDwell = time.Minute
	cfg.DrainTimeout = 500 * time.Millisecond

	s := runner.New(runner.Options{
		Stages: []runner.Stage{
			{Duration: 300 * time.Millisecond, Target: 10},
			{Duration: 100 * time.Millisecond, Target: 0},
		},
		Interpolation: runner.InterpolationStep,
		PollInterval:  20 * time.Millisecond,
		Factory:       sessionFactory(cfg, collector, ends),
		Recorder:      collector,
	})

	start := time.Now()
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond+cfg.DrainTimeout+time.Second {
		t.Fatalf("ramp-down took %s, drain timeout not honored", elapsed)
	}
	if res.Spawned != 10 || res.Retired != 10 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := ends.closed.Load() + ends.failed.Load(); got != res.Spawned {
		t.Fatalf("terminal sessions = %d, want %d", got, res.Spawned)
	}
	if got := collector.Freeze().Counter(metrics.MessagesSent); got < 20 {
		t.Fatalf("ws_msgs_sent = %v, want subscribe and chat from every session", got)
	}
	waitForConnections(t, srv, 0)
}
