package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/torosent/chatswarm/internal/chatserver"
	"github.com/torosent/chatswarm/internal/logging"
)

type serveOptions struct {
	addr      string
	path      string
	rooms     []string
	refuse    bool
	logLevel  string
	logFormat string
}

func newServeCmd() *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the reference chat endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(logging.Options{Level: opts.logLevel, Format: opts.logFormat})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ln, err := net.Listen("tcp", opts.addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", opts.addr, err)
			}
			return serve(cmd.Context(), ln, opts, logger)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", ":8383", "Listen address")
	flags.StringVar(&opts.path, "path", "/ws", "WebSocket endpoint path")
	flags.StringSliceVar(&opts.rooms, "room", nil, "Restrict subscriptions to these rooms (repeatable)")
	flags.BoolVar(&opts.refuse, "refuse", false, "Refuse every handshake with 503")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "console", "Log format: console or json")
	return cmd
}

// serve runs the chat server on ln until ctx is done.
func serve(ctx context.Context, ln net.Listener, opts serveOptions, logger *zap.Logger) error {
	hub := chatserver.New(chatserver.Options{Rooms: opts.rooms, Logger: logger})
	hub.SetRefuse(opts.refuse)

	mux := http.NewServeMux()
	mux.Handle(opts.path, hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok connections=%d\n", hub.Connections())
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger.Info("chat server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", opts.path),
		zap.Bool("refuse", opts.refuse))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		hub.Close()
		logger.Info("chat server stopped",
			zap.Int64("accepted", hub.Accepted()),
			zap.Int64("refused", hub.Refused()))
		return err
	})
	return g.Wait()
}
