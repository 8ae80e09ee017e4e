package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/metalagman/evolve/internal/evolution"
	"github.com/metalagman/evolve/internal/notify"
	"github.com/metalagman/evolve/internal/scheduler"
	"github.com/metalagman/evolve/internal/server"
)

const (
	notifyBuffer    = 256
	shutdownTimeout = 10 * time.Second
)

func watchCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Evaluate continuously on a timer and after item changes",
		Long:  "Run the scheduler in the foreground. Item edits made through the HTTP API trigger a debounced pass; the timer catches everything else.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			defer ws.Close()
			if cmd.Flags().Changed("listen") {
				ws.cfg.Server.Listen = listen
			}

			l, err := ws.lock()
			if err != nil {
				return err
			}
			defer func() { _ = l.Release() }()

			app := newWatchApp(ws)
			if err := app.Err(); err != nil {
				return err
			}
			if err := app.Start(ctx); err != nil {
				return fmt.Errorf("start watch: %w", err)
			}
			select {
			case <-ctx.Done():
			case <-app.Done():
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return app.Stop(stopCtx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address, empty disables the API")
	return cmd
}

func newWatchApp(ws *workspace) *fx.App {
	return fx.New(
		fx.NopLogger,
		fx.Supply(ws),
		fx.Provide(
			newAsyncNotifier,
			newWatchEngine,
			newScheduler,
			newHTTPServer,
		),
		fx.Invoke(
			registerNotifier,
			registerScheduler,
			registerHTTPServer,
		),
	)
}

func newAsyncNotifier() *notify.Async {
	return notify.NewAsync(notify.Log{}, notifyBuffer)
}

func newWatchEngine(ws *workspace, n *notify.Async) (*evolution.Engine, error) {
	return ws.loadEngine(context.Background(), n)
}

func newScheduler(ws *workspace, e *evolution.Engine) *scheduler.Scheduler {
	return scheduler.New(e, e.Store(), ws.cfg.AutoCompletion, ws.cfg.Scheduler)
}

// newHTTPServer returns nil when no listen address is configured.
func newHTTPServer(ws *workspace, e *evolution.Engine) (*http.Server, error) {
	if ws.cfg.Server.Listen == "" {
		return nil, nil
	}
	handler, err := server.New(server.Config{
		ProjectID: ws.cfg.Project,
		Engine:    e,
		Items:     ws.store,
		Events:    ws.store,
	})
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:              ws.cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}

func registerNotifier(lc fx.Lifecycle, n *notify.Async) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			n.Close()
			if dropped := n.Dropped(); dropped > 0 {
				log.Warn().Int("dropped", dropped).Msg("notifications dropped")
			}
			return nil
		},
	})
}

func registerScheduler(lc fx.Lifecycle, s *scheduler.Scheduler, e *evolution.Engine) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop: func(ctx context.Context) error {
			if err := s.Stop(ctx); err != nil {
				return err
			}
			stats := s.Stats()
			log.Info().
				Int64("passes", stats.Passes).
				Int64("dropped", stats.Dropped).
				Int64("failures", stats.Failures).
				Msg("scheduler summary")
			if e.Pending() {
				return e.Flush(ctx)
			}
			return nil
		},
	})
}

func registerHTTPServer(lc fx.Lifecycle, srv *http.Server) {
	if srv == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			log.Info().Str("addr", ln.Addr().String()).Msg("http api listening")
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("http api stopped")
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
