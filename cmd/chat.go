package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatbus/pkg/broker"
	"chatbus/pkg/bus"
	"chatbus/pkg/config"
	"chatbus/pkg/message"
	chatui "chatbus/pkg/ui/chat"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var chatLogFile string

var chatCmd = &cobra.Command{
	Use:   "chat <user> <chat-id>",
	Short: "Open an interactive chat",
	Long: `Opens a terminal chat as <user>. <chat-id> is a user id for direct messages,
chat_<a>_<b> for a private chat, or a group_/channel_ id.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		logOut := io.Discard
		if path := strings.TrimSpace(chatLogFile); path != "" {
			file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				fmt.Printf("failed to open log file: %v\n", err)
				return
			}
			defer file.Close()
			logOut = file
		}

		cfg, log, err := setup("cmd.chat", logOut)
		if err != nil {
			fmt.Println(err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runChat(runCtx, cfg, log, strings.TrimSpace(args[0]), strings.TrimSpace(args[1])); err != nil {
			fmt.Printf("chat failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatLogFile, "log-file", "", "write logs to this file instead of discarding them")
}

func runChat(ctx context.Context, cfg *config.Config, log *slog.Logger, userID string, chatID string) error {
	if userID == "" || chatID == "" {
		return fmt.Errorf("user and chat id are required")
	}

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

	events, unsubscribe := mb.SubscribeEvents(ctx, 256)
	defer unsubscribe()

	if _, err := b.Register(ctx, userID, bus.NewListener(mb, userID)); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}

	online, err := b.OnlineUsers(ctx)
	if err != nil {
		log.Warn("Read presence failed", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return b.Run(gctx)
	})
	g.Go(func() error {
		return mb.RunOutbound(gctx, func(msg message.Message) error {
			_, err := b.Publish(gctx, msg)
			return err
		})
	})

	actions := chatui.Actions{
		Send: func(ctx context.Context, content string) error {
			if !mb.PublishOutbound(ctx, message.New(userID, chatID, content)) {
				return bus.ErrClosed
			}
			return nil
		},
		SetTyping: func(ctx context.Context, typingChatID string, typing bool) error {
			return b.SetTyping(ctx, typingChatID, userID, typing)
		},
		MarkRead: func(ctx context.Context, messageID string) error {
			return b.MarkRead(ctx, messageID, userID)
		},
	}

	uiErr := chatui.RunInteractive(runCtx, actions, events, chatui.Info{
		UserID:    userID,
		ChatID:    chatID,
		SessionID: b.SessionID(),
		Dir:       b.Dir(),
		Online:    online,
	})
	cancel()

	if err := g.Wait(); err != nil && uiErr == nil {
		return err
	}

	return uiErr
}
