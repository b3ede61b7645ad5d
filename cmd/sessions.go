package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"chatbus/pkg/broker"
	"chatbus/pkg/config"
	"chatbus/pkg/store"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var sessionsReap bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List broker sessions in the shared directory",
	Long:  "Lists every session descriptor with its heartbeat age. With --reap, expired and unreadable descriptors are removed first.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, log, err := setup("cmd.sessions", os.Stderr)
		if err != nil {
			fmt.Println(err)
			return
		}

		if err := runSessions(cmd.Context(), cfg, log, cmd.OutOrStdout(), sessionsReap, time.Now()); err != nil {
			fmt.Printf("list sessions failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.Flags().BoolVar(&sessionsReap, "reap", false, "delete expired and unreadable descriptors first")
}

func runSessions(ctx context.Context, cfg *config.Config, log *slog.Logger, out io.Writer, reap bool, now time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if reap {
		if err := reapSessions(ctx, cfg, log, out); err != nil {
			return err
		}
	}

	st, err := store.Open(cfg.Broker.Dir, log)
	if err != nil {
		return err
	}

	files, err := st.ListSessions()
	if err != nil {
		return err
	}

	renderSessions(out, files, now, cfg.Broker.SessionTTL())
	return nil
}

// reapSessions runs one reaper pass from a short-lived session of its own.
func reapSessions(ctx context.Context, cfg *config.Config, log *slog.Logger, out io.Writer) error {
	b, err := broker.New(cfg.Broker, broker.WithLogger(log))
	if err != nil {
		return fmt.Errorf("initialize broker: %w", err)
	}
	defer func() {
		if err := b.Close(context.Background()); err != nil {
			log.Warn("Close broker failed", "error", err)
		}
	}()

	result, err := b.Reap(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Reaped %d expired and %d unreadable descriptors, pruned %d presence sessions.\n\n",
		len(result.Deleted), result.Unreadable, len(result.PrunedOnline))
	return nil
}

func renderSessions(w io.Writer, files []store.SessionFile, now time.Time, ttl time.Duration) {
	if len(files) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return
	}

	rows := make([][]string, 0, len(files))
	for _, file := range files {
		if file.Err != nil {
			rows = append(rows, []string{"?", "", "", "", "unreadable: " + store.CategoryFromError(file.Err)})
			continue
		}

		desc := file.Descriptor
		state := "alive"
		if desc.Expired(now, ttl) {
			state = "expired"
		}
		pid := ""
		if desc.PID > 0 {
			pid = strconv.Itoa(desc.PID)
		}
		rows = append(rows, []string{
			desc.SessionID,
			desc.Hostname,
			pid,
			now.Sub(desc.Heartbeat()).Truncate(time.Second).String(),
			state,
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Session", "Host", "PID", "Heartbeat Age", "State"})
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.AppendBulk(rows)
	table.Render()
}
