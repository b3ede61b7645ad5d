package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"chatbus/pkg/broker"
	"chatbus/pkg/bus"
	"chatbus/pkg/config"
	"chatbus/pkg/status"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveUsers      []string
	serveStatus     bool
	serveStatusPort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a long-lived broker session",
	Long: `Runs a broker session that polls the shared directory, reaps dead sessions
and optionally serves /healthz, /readyz, /sessions and /metrics. Events for the
users given with --user are written to the log.`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, log, err := setup("cmd.serve", os.Stderr)
		if err != nil {
			fmt.Println(err)
			return
		}
		if cmd.Flags().Changed("status") {
			cfg.Status.Enabled = serveStatus
		}
		if serveStatusPort > 0 {
			cfg.Status.Port = serveStatusPort
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runServe(runCtx, cfg, log, serveUsers); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Broker session failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringSliceVarP(&serveUsers, "user", "u", nil, "user ids to register listeners for")
	serveCmd.Flags().BoolVar(&serveStatus, "status", false, "serve the status endpoint (overrides config)")
	serveCmd.Flags().IntVar(&serveStatusPort, "status-port", 0, "status endpoint port (overrides config)")
}

func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger, users []string) error {
	b, err := broker.New(cfg.Broker, broker.WithLogger(log))
	if err != nil {
		return fmt.Errorf("initialize broker: %w", err)
	}
	defer func() {
		if err := b.Close(context.Background()); err != nil {
			log.Warn("Close broker failed", "error", err)
		}
	}()

	mb := bus.NewMessageBus()
	defer mb.Close()

	events, unsubscribe := mb.SubscribeEvents(ctx, 0)
	defer unsubscribe()

	for _, userID := range users {
		if _, err := b.Register(ctx, userID, bus.NewListener(mb, userID)); err != nil {
			return fmt.Errorf("register %s: %w", userID, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(gctx)
	})
	if cfg.Status.Enabled {
		srv, err := status.NewServer(cfg.Status, b, log)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}
	g.Go(func() error {
		logEvents(gctx, log, events)
		return nil
	})

	log.Info("Broker session serving", "session_id", b.SessionID(), "dir", b.Dir(), "users", users, "status", cfg.Status.Enabled)

	return g.Wait()
}

func logEvents(ctx context.Context, log *slog.Logger, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{"type", string(event.Type), "user_id", event.UserID}
	if event.SubjectID != "" {
		attrs = append(attrs, "subject_id", event.SubjectID)
	}
	if event.ChatID != "" {
		attrs = append(attrs, "chat_id", event.ChatID)
	}
	if event.MessageID != "" {
		attrs = append(attrs, "message_id", event.MessageID)
	}

	switch event.Type {
	case bus.EventMessage:
		if event.Message != nil {
			attrs = append(attrs, "content", event.Message.Content)
		}
	case bus.EventTyping, bus.EventPresence:
		attrs = append(attrs, "active", event.Active)
	case bus.EventSendFailed:
		log.Warn("Broker event", append(attrs, "error", event.Error)...)
		return
	}

	log.Info("Broker event", attrs...)
}
