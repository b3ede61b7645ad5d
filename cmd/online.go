package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"chatbus/pkg/config"
	"chatbus/pkg/store"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var onlineChat string

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Show who is online",
	Long:  "Prints the users some session holds online. With --chat, also prints who is typing in that chat.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, log, err := setup("cmd.online", os.Stderr)
		if err != nil {
			fmt.Println(err)
			return
		}

		if err := runOnline(cfg, log, cmd.OutOrStdout(), strings.TrimSpace(onlineChat)); err != nil {
			fmt.Printf("read presence failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(onlineCmd)
	onlineCmd.Flags().StringVar(&onlineChat, "chat", "", "also show typing users in this chat")
}

func runOnline(cfg *config.Config, log *slog.Logger, out io.Writer, chatID string) error {
	st, err := store.Open(cfg.Broker.Dir, log)
	if err != nil {
		return err
	}

	online, err := st.ReadOnline()
	if err != nil {
		return err
	}
	renderOnline(out, online)

	if chatID == "" {
		return nil
	}

	typing, err := st.ReadTyping()
	if err != nil {
		return err
	}
	users := typing.Users(chatID)
	if len(users) == 0 {
		fmt.Fprintf(out, "\nNobody is typing in %s.\n", chatID)
		return nil
	}
	fmt.Fprintf(out, "\nTyping in %s: %s\n", chatID, strings.Join(users, ", "))

	return nil
}

func renderOnline(w io.Writer, doc store.OnlineDoc) {
	users := doc.OnlineUsers()
	if len(users) == 0 {
		fmt.Fprintln(w, "Nobody is online.")
		return
	}

	rows := make([][]string, 0, len(users))
	for _, userID := range users {
		rows = append(rows, []string{userID, strings.Join(doc.Sessions(userID), ", ")})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"User", "Sessions"})
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.AppendBulk(rows)
	table.Render()
}
