package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentease/streamrelay/api/handlers"
	"github.com/agentease/streamrelay/internal/config"
	"github.com/agentease/streamrelay/internal/db"
	"github.com/agentease/streamrelay/internal/logger"
	"github.com/agentease/streamrelay/internal/metrics"
	"github.com/agentease/streamrelay/internal/push"
	"github.com/agentease/streamrelay/internal/repository"
	"github.com/agentease/streamrelay/internal/results"
	"github.com/agentease/streamrelay/internal/session"
	"github.com/agentease/streamrelay/internal/worker"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithPath(*configPath)
			if err != nil {
				return err
			}

			log, err := logger.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}
			logger.SetDefault(log)
			defer func() { _ = log.Sync() }()

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx)
		},
	}
}

// app is the wired server.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics
	db      *sql.DB
	hub     *push.Hub
	manager *session.Manager
	router  *gin.Engine
}

// newApp wires every component from the configuration. Journal rows left
// active by a previous process are marked interrupted.
func newApp(cfg *config.Config, log *logger.Logger, opts ...worker.Option) (*app, error) {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		metrics: metrics.NewMetrics(),
	}

	var journal session.Journal
	var history handlers.History
	if cfg.Journal.Path != "" {
		database, err := db.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		a.db = database

		repo := repository.NewJournalRepository(database)
		n, err := repo.MarkInterrupted(context.Background())
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to recover journal: %w", err)
		}
		if n > 0 {
			log.Info("Marked sessions of previous run as interrupted", zap.Int64("count", n))
		}
		journal = repo
		history = repo
	}

	a.hub = push.NewHub(push.Config{
		QueueSize: cfg.Push.QueueSize,
		Heartbeat: cfg.Push.Heartbeat(),
	}, log, a.metrics)

	a.manager = session.NewManager(session.Config{
		MaxPerUser:      cfg.Session.MaxPerUser,
		EndOnDisconnect: cfg.Session.EndOnDisconnect,
		RetainResults:   cfg.Results.RetainAfterEnd,
		Worker: worker.Config{
			Command:      cfg.Worker.Command,
			Dir:          cfg.Worker.Dir,
			Env:          cfg.Worker.Env,
			Timeout:      cfg.Worker.Timeout(),
			KillGrace:    cfg.Worker.KillGrace(),
			MaxLineBytes: cfg.Worker.MaxLineBytes,
		},
	}, results.NewCache(cfg.Results.Capacity, results.WithMaxRetained(cfg.Results.MaxRetainedSessions)), a.hub, journal, log, a.metrics, opts...)

	a.router = handlers.NewRouter(handlers.RouterDeps{
		Manager:    a.manager,
		Hub:        a.hub,
		History:    history,
		Auth:       cfg.Auth,
		CORSOrigin: cfg.Server.CORSOrigin,
		Logger:     log,
		Metrics:    a.metrics,
	})

	return a, nil
}

// run serves HTTP until ctx is done, then shuts down gracefully.
func (a *app) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           a.router,
		ReadHeaderTimeout: a.cfg.Server.ReadTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("Starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownWaitDuration())
		defer cancel()
		return a.shutdown(shutdownCtx, srv)
	})
	return g.Wait()
}

// shutdown stops accepting requests, ends every session, closes the push
// streams that keep handlers busy, then closes the journal.
func (a *app) shutdown(ctx context.Context, srv *http.Server) error {
	closed := make(chan error, 1)
	srv.RegisterOnShutdown(func() {
		closed <- a.close(ctx)
	})

	err := srv.Shutdown(ctx)
	if err != nil {
		a.log.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}

	select {
	case closeErr := <-closed:
		err = errors.Join(err, closeErr)
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}

	if a.db != nil {
		if dbErr := a.db.Close(); dbErr != nil {
			err = errors.Join(err, dbErr)
		}
	}
	return err
}

// close ends every session and closes the remaining push connections.
func (a *app) close(ctx context.Context) error {
	err := a.manager.Close(ctx)
	a.hub.Close()
	return err
}
