package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"chatbus/pkg/broker"
	"chatbus/pkg/config"
	"chatbus/pkg/message"

	"github.com/spf13/cobra"
)

var (
	sendType    string
	sendReplyTo string
	sendMedia   string
)

var sendCmd = &cobra.Command{
	Use:   "send <from> <to> <content...>",
	Short: "Publish one message and exit",
	Long:  "Publishes a single message from <from> to <to> and prints the assigned message id.",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log, err := setup("cmd.send", os.Stderr)
		if err != nil {
			fmt.Println(err)
			return
		}

		msg, err := buildMessage(args, sendType, sendReplyTo, sendMedia)
		if err != nil {
			fmt.Println(err)
			return
		}

		if err := runSend(cmd.Context(), cfg, log, cmd.OutOrStdout(), msg); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&sendType, "type", "t", string(message.TypeText), "message type (TEXT, IMAGE, VIDEO, AUDIO, VOICE, FILE, DOCUMENT)")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "id of the message being replied to")
	sendCmd.Flags().StringVar(&sendMedia, "media", "", "path of an attached media file")
}

func buildMessage(args []string, msgType string, replyTo string, media string) (message.Message, error) {
	if len(args) < 2 {
		return message.Message{}, errors.New("sender and receiver are required")
	}

	content := strings.TrimSpace(strings.Join(args[2:], " "))
	media = strings.TrimSpace(media)
	if content == "" && media == "" {
		return message.Message{}, errors.New("message content is required")
	}

	msg := message.New(args[0], args[1], content)
	msg.Type = message.ParseType(msgType)
	msg.ReplyToID = strings.TrimSpace(replyTo)
	msg.MediaPath = media

	return msg, nil
}

func runSend(ctx context.Context, cfg *config.Config, log *slog.Logger, out io.Writer, msg message.Message) error {
	if ctx == nil {
		ctx = context.Background()
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

	published, err := b.Publish(ctx, msg)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, published.ID)
	return nil
}
