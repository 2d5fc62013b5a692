package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentease/streamrelay/internal/logger"
	"github.com/agentease/streamrelay/pkg/client"
)

// ErrGaveUp is returned by watch when the server stayed unreachable.
var ErrGaveUp = errors.New("gave up reconnecting to server")

type watchOptions struct {
	server      string
	user        string
	header      string
	maxAttempts int
	staleAfter  time.Duration
	logLevel    string
}

func newWatchCmd() *cobra.Command {
	opts := watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the events pushed to a user as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Events own stdout; logs go to stderr so the output stays pipeable.
			log := logger.NewWriterLogger(logger.LoggingConfig{
				Level:  opts.logLevel,
				Format: logger.DetectFormat(),
			}, cmd.ErrOrStderr())
			defer func() { _ = log.Sync() }()
			return runWatch(ctx, opts, cmd.OutOrStdout(), log)
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "base URL of the streamrelay server")
	cmd.Flags().StringVar(&opts.user, "user", "", "user whose events to watch")
	cmd.Flags().StringVar(&opts.header, "header", "X-User-ID", "header carrying the user identity")
	cmd.Flags().IntVar(&opts.maxAttempts, "max-attempts", client.DefaultConfig().MaxAttempts, "consecutive failed connects before giving up")
	cmd.Flags().DurationVar(&opts.staleAfter, "stale-after", client.DefaultConfig().StaleAfter, "reconnect when the stream is silent this long")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level for diagnostics written to stderr")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

// runWatch follows the user's event stream until ctx is done or the
// controller gives up.
func runWatch(ctx context.Context, opts watchOptions, out io.Writer, log *logger.Logger, extra ...client.Option) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := client.DefaultConfig()
	cfg.MaxAttempts = opts.maxAttempts
	cfg.StaleAfter = opts.staleAfter

	var mu sync.Mutex
	options := []client.Option{
		client.WithLogger(log),
		client.OnFrame(func(data []byte) {
			mu.Lock()
			defer mu.Unlock()
			_, _ = fmt.Fprintln(out, string(data))
		}),
		client.OnStateChange(func(s client.State) {
			log.Debug("Watch state changed", zap.String("state", string(s)))
			if s.Terminal() {
				cancel()
			}
		}),
	}
	options = append(options, extra...)

	ctrl, err := client.NewEventStream(opts.server, opts.header, opts.user, cfg, options...)
	if err != nil {
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	gaveUp := ctrl.State() == client.StateGaveUp
	ctrl.Close()
	if gaveUp {
		return ErrGaveUp
	}
	return nil
}
