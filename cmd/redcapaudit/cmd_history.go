package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"redcapaudit/internal/history"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	historyLimit int
	historyKeep  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded audit runs",
	Args:  cobra.NoArgs,
	RunE:  listHistory,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the outcomes of one run",
	Args:  cobra.ExactArgs(1),
	RunE:  showHistory,
}

var historyDiffCmd = &cobra.Command{
	Use:   "diff <old-run> <new-run>",
	Short: "Show rules whose status changed between two runs",
	Args:  cobra.ExactArgs(2),
	RunE:  diffHistory,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the most recent runs",
	Args:  cobra.NoArgs,
	RunE:  pruneHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list")
	historyPruneCmd.Flags().IntVar(&historyKeep, "keep", 50, "Number of runs to keep")

	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyDiffCmd)
	historyCmd.AddCommand(historyPruneCmd)
}

func openHistory() (*history.Store, error) {
	store, err := history.Open(cfg.History.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return store, nil
}

func listHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(timeout)
	defer cancel()

	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Recent(ctx, historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No runs recorded in %s\n", store.Path())
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tRESULT\tPASS\tFAIL\tERROR\tSKIP\tEXPORT")
	for _, r := range runs {
		result := "ok"
		if !r.OK() {
			result = "FAILED"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			shortID(r.ID), r.Started.Local().Format(time.DateTime), result,
			r.Passed, r.Failed, r.Errored, r.Skipped, r.Export)
	}
	return tw.Flush()
}

func showHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(timeout)
	defer cancel()

	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	outcomes, err := store.Outcomes(ctx, run.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s\n", run.ID)
	fmt.Fprintf(out, "Export:  %s\n", run.Export)
	fmt.Fprintf(out, "Digest:  %s\n", run.Digest)
	fmt.Fprintf(out, "Started: %s (%s)\n\n", run.Started.Local().Format(time.DateTime), run.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, o := range outcomes {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", o.Status, o.RuleID, o.Message)
	}
	return tw.Flush()
}

func diffHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(timeout)
	defer cancel()

	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	var outcomes [2][]history.Outcome
	for i, id := range args {
		run, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		outcomes[i], err = store.Outcomes(ctx, run.ID)
		if err != nil {
			return err
		}
	}

	changes := history.Compare(outcomes[0], outcomes[1])
	out := cmd.OutOrStdout()
	if len(changes) == 0 {
		fmt.Fprintln(out, "No changes")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	regressions := 0
	for _, c := range changes {
		marker := " "
		if c.Regressed() {
			marker = "!"
			regressions++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s -> %s\n", marker, c.RuleID, orAbsent(string(c.Before)), orAbsent(string(c.After)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d changed, %d regressed\n", len(changes), regressions)
	return nil
}

func pruneHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(timeout)
	defer cancel()

	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Prune(ctx, historyKeep)
	if err != nil {
		return err
	}
	logger.Info("Pruned history", zap.Int("deleted", n), zap.Int("kept", historyKeep))
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d run(s)\n", n)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orAbsent(status string) string {
	if status == "" {
		return "absent"
	}
	return status
}
