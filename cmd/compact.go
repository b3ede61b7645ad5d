package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"chatbus/pkg/config"
	"chatbus/pkg/store"

	"github.com/spf13/cobra"
)

var compactKeep int

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Trim the shared message log",
	Long:  "Rewrites the shared message log keeping only the newest --keep records. Running sessions rescan the shorter log on their next tick.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, log, err := setup("cmd.compact", os.Stderr)
		if err != nil {
			fmt.Println(err)
			return
		}

		if err := runCompact(cfg, log, cmd.OutOrStdout(), compactKeep); err != nil {
			fmt.Printf("compact failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(compactCmd)
	compactCmd.Flags().IntVar(&compactKeep, "keep", 1000, "number of newest records to keep")
}

func runCompact(cfg *config.Config, log *slog.Logger, out io.Writer, keep int) error {
	if keep < 0 {
		return fmt.Errorf("--keep must not be negative")
	}

	st, err := store.Open(cfg.Broker.Dir, log)
	if err != nil {
		return err
	}

	dropped, err := st.Compact(keep)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Dropped %d records, kept at most %d.\n", dropped, keep)
	return nil
}
