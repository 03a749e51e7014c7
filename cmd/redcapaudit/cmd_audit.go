package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"redcapaudit/internal/document"
	"redcapaudit/internal/history"
	"redcapaudit/internal/projector"
	"redcapaudit/internal/report"
	"redcapaudit/internal/rules"
	"redcapaudit/internal/watch"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var (
	auditFormat     string
	auditOnly       string
	auditCategory   string
	auditProjection string
	auditHistory    bool
	auditWatch      bool
	auditDebounce   time.Duration
	auditAll        bool
	auditNoColor    bool
	auditPretty     bool
)

// errAuditFailed is returned when at least one rule failed or errored.
var errAuditFailed = errors.New("audit failed")

var auditCmd = &cobra.Command{
	Use:   "audit <project.xml>",
	Short: "Audit a REDCap project export",
	Long: `Evaluates every rule in the catalogue against a REDCap ODM export and
prints the result. Exits non-zero when any rule fails or errors.

With --watch the export is audited again each time the file changes.`,
	Args: cobra.ExactArgs(1),
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVarP(&auditFormat, "format", "f", "text", "Output format (text, json, markdown)")
	auditCmd.Flags().StringVar(&auditOnly, "only", "", "Only run rules whose ID starts with this prefix")
	auditCmd.Flags().StringVar(&auditCategory, "category", "", "Only run rules in this category")
	auditCmd.Flags().StringVar(&auditProjection, "projection", "", "Template projection (literal, boundary)")
	auditCmd.Flags().BoolVar(&auditHistory, "history", false, "Record the run in the history database")
	auditCmd.Flags().BoolVarP(&auditWatch, "watch", "w", false, "Re-audit whenever the export changes")
	auditCmd.Flags().DurationVar(&auditDebounce, "debounce", 500*time.Millisecond, "Quiet period before a watched change is audited")
	auditCmd.Flags().BoolVarP(&auditAll, "all", "a", false, "List passing and skipped rules too")
	auditCmd.Flags().BoolVar(&auditNoColor, "no-color", false, "Disable colored output")
	auditCmd.Flags().BoolVar(&auditPretty, "pretty", false, "Render markdown output for the terminal")
}

// auditOptions is the resolved form of the audit flags.
type auditOptions struct {
	format   report.Format
	only     string
	category rules.Category
	history  bool
	render   report.Options
}

func resolveAuditOptions(out io.Writer) (auditOptions, error) {
	format, err := report.ParseFormat(auditFormat)
	if err != nil {
		return auditOptions{}, err
	}

	var category rules.Category
	if auditCategory != "" {
		category = rules.Category(auditCategory)
		known := false
		for _, c := range rules.Categories {
			if c == category {
				known = true
			}
		}
		if !known {
			return auditOptions{}, fmt.Errorf("unknown category %q (valid: %v)", auditCategory, rules.Categories)
		}
	}

	if auditProjection != "" {
		if _, err := projector.ParseMode(auditProjection); err != nil {
			return auditOptions{}, err
		}
		cfg.Projection.Mode = auditProjection
	}

	return auditOptions{
		format:   format,
		only:     auditOnly,
		category: category,
		history:  auditHistory || cfg.History.Enabled,
		render: report.Options{
			Verbose: auditAll,
			Color:   !auditNoColor && isTerminal(out),
			Pretty:  auditPretty,
		},
	}, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func runAudit(cmd *cobra.Command, args []string) error {
	path := args[0]
	out := cmd.OutOrStdout()

	opts, err := resolveAuditOptions(out)
	if err != nil {
		return err
	}

	if auditWatch {
		return watchAudit(path, out, opts)
	}

	ctx, cancel := commandContext(timeout)
	defer cancel()

	rep, err := auditOnce(ctx, path, out, opts)
	if err != nil {
		return err
	}
	if !rep.OK() {
		return fmt.Errorf("%w: %d failed, %d errored", errAuditFailed, rep.Failed, rep.Errored)
	}
	return nil
}

// auditOnce loads the export, evaluates the selected rules and writes the
// report. Only a missing or unreadable export is an error.
func auditOnce(ctx context.Context, path string, out io.Writer, opts auditOptions) (*rules.Report, error) {
	doc, err := document.Load(path)
	if err != nil {
		return nil, err
	}

	env, err := rules.NewEnv(doc, cfg)
	if err != nil {
		return nil, err
	}
	selected := rules.Select(rules.Catalogue(env), opts.only, opts.category)
	if len(selected) == 0 {
		return nil, fmt.Errorf("no rules match --only %q --category %q", opts.only, opts.category)
	}

	logger.Info("Auditing export",
		zap.String("path", path),
		zap.String("digest", doc.Digest()),
		zap.Int("rules", len(selected)),
		zap.String("projection", cfg.Projection.Mode))

	runner := rules.NewRunner(cfg.Runner.Concurrency, cfg.GetRuleTimeout())
	rep := runner.Run(ctx, env, selected)

	meta := report.Meta{Path: path, Digest: doc.Digest()}
	if opts.history {
		run, err := recordRun(ctx, path, doc.Digest(), rep)
		if err != nil {
			// A broken history database never hides the audit result.
			logger.Warn("Failed to record run", zap.Error(err))
		} else {
			meta.RunID = run.ID
		}
	}

	if err := report.Write(out, rep, meta, opts.format, opts.render); err != nil {
		return nil, err
	}
	return rep, nil
}

func recordRun(ctx context.Context, path, digest string, rep *rules.Report) (history.Run, error) {
	store, err := history.Open(cfg.History.DatabasePath)
	if err != nil {
		return history.Run{}, err
	}
	defer store.Close()
	return store.Record(ctx, path, digest, rep)
}

// watchAudit audits once and then again after each change until interrupted.
func watchAudit(path string, out io.Writer, opts auditOptions) error {
	ctx, cancel := commandContext(0)
	defer cancel()

	handler := func(ctx context.Context, changed string) {
		fmt.Fprintf(out, "\n== %s changed at %s ==\n", changed, time.Now().Format(time.TimeOnly))
		if _, err := auditOnce(ctx, changed, out, opts); err != nil {
			logger.Error("Audit failed", zap.String("path", changed), zap.Error(err))
		}
	}

	w, err := watch.New(path, auditDebounce, handler)
	if err != nil {
		return err
	}
	if _, err := auditOnce(ctx, path, out, opts); err != nil {
		logger.Error("Audit failed", zap.String("path", path), zap.Error(err))
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	logger.Info("Watching export", zap.String("path", w.Path()))

	<-ctx.Done()
	w.Stop()
	stats := w.Stats()
	logger.Info("Stopped watching",
		zap.Int("events", stats.Events),
		zap.Int("audits", stats.Triggered),
		zap.Int("errors", stats.Errors))
	return nil
}
