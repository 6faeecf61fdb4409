package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrlokans/vaultbridge/internal/config"
	"github.com/mrlokans/vaultbridge/internal/entities"
)

var errHistoryDisabled = errors.New("no history database configured (set --history-db or VAULTBRIDGE_HISTORY_DB)")

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent migration runs",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	cmd.Flags().String("history-db", "", "sqlite file runs are recorded in")
	cmd.Flags().Int("limit", 20, "Number of runs to show")
	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := config.NewConfig(cmd.Flags())
	if err != nil {
		return configError(err)
	}
	if cfg.History.DatabasePath == "" {
		return configError(errHistoryDisabled)
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return configError(err)
	}

	history, closeHistory, err := openHistory(cfg.History.DatabasePath)
	if err != nil {
		return err
	}
	defer closeHistory()

	recent, err := history.Recent(limit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	printRuns(cmd.OutOrStdout(), recent)
	return nil
}

func printRuns(out io.Writer, recent []entities.MigrationRun) {
	if len(recent) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tPARSED\tCREATED\tSKIPPED\tFAILED\tATTACHMENTS\tDURATION\tERROR")
	for _, r := range recent {
		attachments := fmt.Sprintf("%d", r.AttachmentsSent)
		if r.AttachmentFailures > 0 {
			attachments = fmt.Sprintf("%d (%d failed)", r.AttachmentsSent, r.AttachmentFailures)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%v\t%s\n",
			shortID(r.RunID),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Status,
			r.Parsed, r.Created, r.Skipped, r.Failed,
			attachments,
			r.Duration().Round(time.Millisecond),
			r.ErrorMsg,
		)
	}
	tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
