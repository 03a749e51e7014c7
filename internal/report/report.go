// Package report renders audit results for terminals, files, and machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"redcapaudit/internal/equivalence"
	"redcapaudit/internal/rules"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// Format selects a renderer.
type Format string

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// ParseFormat validates a user supplied format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatMarkdown:
		return f, nil
	default:
		return "", fmt.Errorf("unknown report format %q (want text, json or markdown)", s)
	}
}

// Meta identifies the audited export.
type Meta struct {
	RunID  string
	Path   string
	Digest string
}

// Options tune the text and markdown renderers.
type Options struct {
	// Verbose lists passing and skipped rules as well as problems.
	Verbose bool
	// Color enables terminal styling.
	Color bool
	// Pretty renders markdown through glamour.
	Pretty bool
}

// Write renders r to w.
func Write(w io.Writer, r *rules.Report, meta Meta, format Format, opts Options) error {
	switch format {
	case FormatJSON:
		return JSON(w, r, meta)
	case FormatMarkdown:
		md := Markdown(r, meta, opts)
		if opts.Pretty {
			out, err := Terminal(md)
			if err != nil {
				return err
			}
			md = out
		}
		_, err := io.WriteString(w, md)
		return err
	default:
		_, err := io.WriteString(w, Text(r, meta, opts))
		return err
	}
}

type styles struct {
	title, pass, fail, errored, skip, muted lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{plain, plain, plain, plain, plain, plain}
	}
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A")),
		pass:    lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A")),
		fail:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#e53935")),
		errored: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFC107")),
		skip:    lipgloss.NewStyle().Foreground(lipgloss.Color("#2196F3")),
		muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("#6c7a89")),
	}
}

func (s styles) status(st rules.Status) string {
	label := fmt.Sprintf("%-5s", strings.ToUpper(string(st)))
	switch st {
	case rules.StatusPass:
		return s.pass.Render(label)
	case rules.StatusFail:
		return s.fail.Render(label)
	case rules.StatusError:
		return s.errored.Render(label)
	default:
		return s.skip.Render(label)
	}
}

// byCategory groups outcomes in category order, keeping catalogue order
// within each group.
func byCategory(outcomes []rules.Outcome) map[rules.Category][]rules.Outcome {
	groups := make(map[rules.Category][]rules.Outcome)
	for _, o := range outcomes {
		groups[o.Category] = append(groups[o.Category], o)
	}
	return groups
}

func shown(o rules.Outcome, verbose bool) bool {
	return verbose || o.Status == rules.StatusFail || o.Status == rules.StatusError
}

func summary(r *rules.Report) string {
	return fmt.Sprintf("%d rules: %d passed, %d failed, %d errored, %d skipped",
		r.Total(), r.Passed, r.Failed, r.Errored, r.Skipped)
}

// Text renders a plain report for terminals and logs.
func Text(r *rules.Report, meta Meta, opts Options) string {
	s := newStyles(opts.Color)
	var sb strings.Builder

	sb.WriteString(s.title.Render("REDCap template audit"))
	sb.WriteString("\n")
	if meta.Path != "" {
		sb.WriteString(s.muted.Render(fmt.Sprintf("export: %s", meta.Path)))
		sb.WriteString("\n")
	}
	if meta.RunID != "" {
		sb.WriteString(s.muted.Render(fmt.Sprintf("run:    %s", meta.RunID)))
		sb.WriteString("\n")
	}

	groups := byCategory(r.Outcomes)
	for _, cat := range rules.Categories {
		var lines []string
		for _, o := range groups[cat] {
			if !shown(o, opts.Verbose) {
				continue
			}
			lines = append(lines, fmt.Sprintf("  %s %s", s.status(o.Status), o.RuleID))
			if o.Message != "" && o.Status != rules.StatusPass {
				lines = append(lines, indent(o.Message, "        "))
			}
			if o.Failure != nil && o.Failure.Diff != "" {
				lines = append(lines, indent(strings.TrimRight(o.Failure.Diff, "\n"), "        "))
			}
			for _, n := range o.Notes {
				lines = append(lines, s.muted.Render("        note: "+n))
			}
		}
		if len(lines) == 0 {
			continue
		}
		sb.WriteString("\n")
		sb.WriteString(s.title.Render(string(cat)))
		sb.WriteString("\n")
		sb.WriteString(strings.Join(lines, "\n"))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	line := summary(r) + fmt.Sprintf(" in %s", r.Duration.Round(time.Millisecond))
	if r.OK() {
		sb.WriteString(s.pass.Render(line))
	} else {
		sb.WriteString(s.fail.Render(line))
	}
	sb.WriteString("\n")
	return sb.String()
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

// Markdown renders a report suitable for pasting into a ticket.
func Markdown(r *rules.Report, meta Meta, opts Options) string {
	var sb strings.Builder
	sb.WriteString("# REDCap template audit\n\n")
	if meta.Path != "" {
		fmt.Fprintf(&sb, "- Export: `%s`\n", meta.Path)
	}
	if meta.Digest != "" {
		fmt.Fprintf(&sb, "- SHA-256: `%s`\n", meta.Digest)
	}
	if meta.RunID != "" {
		fmt.Fprintf(&sb, "- Run: `%s`\n", meta.RunID)
	}
	fmt.Fprintf(&sb, "- Result: **%s**\n", summary(r))

	groups := byCategory(r.Outcomes)
	for _, cat := range rules.Categories {
		var rows []rules.Outcome
		for _, o := range groups[cat] {
			if shown(o, opts.Verbose) {
				rows = append(rows, o)
			}
		}
		if len(rows) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\n## %s\n\n", titleCase(string(cat)))
		sb.WriteString("| Status | Rule | Detail |\n|---|---|---|\n")
		for _, o := range rows {
			fmt.Fprintf(&sb, "| %s | `%s` | %s |\n", o.Status, o.RuleID, cell(o.Message))
		}
		for _, o := range rows {
			if o.Failure == nil || o.Failure.Diff == "" {
				continue
			}
			fmt.Fprintf(&sb, "\n### `%s`\n\n```diff\n%s\n```\n", o.RuleID, strings.TrimRight(o.Failure.Diff, "\n"))
		}
	}
	return sb.String()
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// cell escapes text for a markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", "<br>")
}

// Terminal renders markdown for display with glamour.
func Terminal(md string) (string, error) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", fmt.Errorf("markdown renderer: %w", err)
	}
	return renderer.Render(md)
}

type jsonReport struct {
	RunID    string         `json:"run_id,omitempty"`
	Export   string         `json:"export,omitempty"`
	Digest   string         `json:"sha256,omitempty"`
	Started  time.Time      `json:"started"`
	Duration string         `json:"duration"`
	OK       bool           `json:"ok"`
	Counts   map[string]int `json:"counts"`
	Outcomes []jsonOutcome  `json:"outcomes"`
}

type jsonOutcome struct {
	rules.Outcome
	Failure *jsonFailure `json:"failure,omitempty"`
}

type jsonFailure struct {
	Field      string                 `json:"field,omitempty"`
	Expected   string                 `json:"expected,omitempty"`
	Actual     string                 `json:"actual,omitempty"`
	Detail     string                 `json:"detail,omitempty"`
	Mismatches []equivalence.Mismatch `json:"mismatches,omitempty"`
	Diff       string                 `json:"diff,omitempty"`
}

// JSON writes the full report, every outcome included.
func JSON(w io.Writer, r *rules.Report, meta Meta) error {
	out := jsonReport{
		RunID:    meta.RunID,
		Export:   meta.Path,
		Digest:   meta.Digest,
		Started:  r.Started,
		Duration: r.Duration.String(),
		OK:       r.OK(),
		Counts: map[string]int{
			string(rules.StatusPass):  r.Passed,
			string(rules.StatusFail):  r.Failed,
			string(rules.StatusError): r.Errored,
			string(rules.StatusSkip):  r.Skipped,
		},
		Outcomes: make([]jsonOutcome, 0, len(r.Outcomes)),
	}
	for _, o := range r.Outcomes {
		jo := jsonOutcome{Outcome: o}
		if f := o.Failure; f != nil {
			jo.Failure = &jsonFailure{
				Field:      f.Field,
				Expected:   f.Expected,
				Actual:     f.Actual,
				Detail:     f.Detail,
				Mismatches: f.Mismatches,
				Diff:       f.Diff,
			}
		}
		out.Outcomes = append(out.Outcomes, jo)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Failing returns the IDs of failed and errored rules, sorted.
func Failing(r *rules.Report) []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.Status == rules.StatusFail || o.Status == rules.StatusError {
			ids = append(ids, o.RuleID)
		}
	}
	sort.Strings(ids)
	return ids
}
