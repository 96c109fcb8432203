package main

import (
	"context"
	"maps"

	"go.uber.org/zap"

	"github.com/torosent/chatswarm/internal/config"
	"github.com/torosent/chatswarm/internal/metrics"
	"github.com/torosent/chatswarm/internal/runner"
	"github.com/torosent/chatswarm/internal/session"
	"github.com/torosent/chatswarm/internal/tracing"
)

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		URL:              cfg.TargetURL,
		Headers:          cfg.Headers,
		Topic:            cfg.Topic,
		Messages:         cfg.Session.Messages,
		SubscribeDwell:   cfg.Session.SubscribeDwell,
		UnsubscribeDwell: cfg.Session.UnsubscribeDwell,
		PacingMin:        cfg.Session.PacingMin,
		PacingMax:        cfg.Session.PacingMax,
		HandshakeTimeout: cfg.Session.HandshakeTimeout,
		WriteTimeout:     cfg.Session.WriteTimeout,
		DrainTimeout:     cfg.Session.DrainTimeout,
		FromPrefix:       cfg.Session.FromPrefix,
	}
}

// newSessionFactory returns the runner.Factory building one session driver
// per VU id. Every identity carries the run tags plus run_id.
func newSessionFactory(cfg *config.Config, runID string, collector *metrics.Collector, tp *tracing.Provider, logger *zap.Logger) runner.Factory {
	sessCfg := sessionConfig(cfg)
	tracer := tp.Tracer()
	propagate := tp.ShouldPropagate()

	return func(ctx context.Context, id int64) (runner.Session, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tags := make(map[string]string, len(cfg.Tags)+1)
		maps.Copy(tags, cfg.Tags)
		tags["run_id"] = runID

		return session.New(
			session.Identity{ID: id, Tags: tags},
			sessCfg,
			collector,
			session.WithLogger(logger),
			session.WithTracer(tracer, propagate),
		), nil
	}
}
