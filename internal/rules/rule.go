// Package rules holds the audit rule catalogue and the runner that evaluates
// it against a project export.
package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"redcapaudit/internal/config"
	"redcapaudit/internal/document"
	"redcapaudit/internal/equivalence"
	"redcapaudit/internal/naming"
	"redcapaudit/internal/projector"
)

// Category groups rules by what they assert.
type Category string

const (
	CategoryExistence Category = "existence"
	CategoryStructure Category = "structure"
	CategorySchedule  Category = "schedule"
	CategorySettings  Category = "settings"
	CategoryContent   Category = "content"
	CategoryHygiene   Category = "hygiene"
)

// Categories lists every category in report order.
var Categories = []Category{
	CategoryExistence, CategoryStructure, CategorySchedule,
	CategorySettings, CategoryContent, CategoryHygiene,
}

// Rule is one independent predicate over the document.
type Rule struct {
	ID          string
	Description string
	Category    Category
	// Check returns nil on success, a *Failure for a project defect, or
	// Skip to mark the rule not applicable.
	Check func(env *Env) error
}

// ForEach expands one rule definition into a rule per identifier. The rule
// ID becomes "id[member]" and description may contain a single %s for the
// member.
func ForEach(ids []naming.ID, id, description string, category Category, check func(env *Env, member naming.ID) error) []Rule {
	out := make([]Rule, 0, len(ids))
	for _, member := range ids {
		desc := description
		if strings.Contains(desc, "%s") {
			desc = fmt.Sprintf(description, member)
		}
		out = append(out, Rule{
			ID:          fmt.Sprintf("%s[%s]", id, member),
			Description: desc,
			Category:    category,
			Check:       func(env *Env) error { return check(env, member) },
		})
	}
	return out
}

// Failure describes a project defect found by a rule.
type Failure struct {
	Field    string
	Expected string
	Actual   string
	Detail   string
	// Mismatches carries per-field results from attribute comparisons.
	Mismatches []equivalence.Mismatch
	// Diff is a structural diff (-expected +actual).
	Diff string
}

func (f *Failure) Error() string {
	var parts []string
	if f.Detail != "" {
		parts = append(parts, f.Detail)
	}
	if f.Field != "" {
		parts = append(parts, fmt.Sprintf("%s: expected %q, got %q", f.Field, f.Expected, f.Actual))
	}
	for _, m := range f.Mismatches {
		parts = append(parts, m.String())
	}
	if len(parts) == 0 {
		return "rule failed"
	}
	return strings.Join(parts, "; ")
}

// Failf returns a Failure with a formatted detail message.
func Failf(format string, args ...interface{}) *Failure {
	return &Failure{Detail: fmt.Sprintf(format, args...)}
}

type skipError struct{ reason string }

func (s skipError) Error() string { return "skipped: " + s.reason }

// Skip marks a rule as not applicable.
func Skip(reason string) error {
	return skipError{reason: reason}
}

// Settings are the configured expectations rules check against.
type Settings struct {
	Schedule      config.ScheduleConfig
	Contacts      config.ContactsConfig
	Hygiene       config.HygieneConfig
	PatientMobile config.PatientMobileConfig
}

// SettingsFromConfig copies the rule-relevant sections of cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Schedule:      cfg.Schedule,
		Contacts:      cfg.Contacts,
		Hygiene:       cfg.Hygiene,
		PatientMobile: cfg.PatientMobile,
	}
}

// Env is everything a rule may read. It is shared by concurrent rules and
// must not be mutated after the run starts; the runner gives each rule its
// own copy for notes.
type Env struct {
	Doc      *document.Document
	Family   *naming.Family
	Checker  *equivalence.Checker
	Settings Settings

	notes []string
}

// NewEnv builds an Env for doc from configuration.
func NewEnv(doc *document.Document, cfg *config.Config) (*Env, error) {
	family, err := naming.NewFamily(cfg.Family.Prefix, cfg.Family.Suffixes)
	if err != nil {
		return nil, fmt.Errorf("family: %w", err)
	}
	mode, err := projector.ParseMode(cfg.Projection.Mode)
	if err != nil {
		return nil, err
	}
	return &Env{
		Doc:      doc,
		Family:   family,
		Checker:  equivalence.NewChecker(mode),
		Settings: SettingsFromConfig(cfg),
	}, nil
}

// Note attaches an informational message to the current rule's outcome.
func (e *Env) Note(format string, args ...interface{}) {
	e.notes = append(e.notes, fmt.Sprintf(format, args...))
}

// Status is the result of evaluating one rule.
type Status string

const (
	StatusPass  Status = "pass"
	StatusFail  Status = "fail"
	StatusError Status = "error"
	StatusSkip  Status = "skip"
)

// Outcome is the recorded result of one rule.
type Outcome struct {
	RuleID      string        `json:"rule"`
	Description string        `json:"description"`
	Category    Category      `json:"category"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	Failure     *Failure      `json:"-"`
	Notes       []string      `json:"notes,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
}

// classify maps a check's return value to a status and message.
func classify(err error) (Status, string, *Failure) {
	if err == nil {
		return StatusPass, "", nil
	}

	var skip skipError
	if errors.As(err, &skip) {
		return StatusSkip, skip.reason, nil
	}
	if errors.Is(err, naming.ErrConventionViolation) {
		return StatusError, err.Error(), nil
	}

	var f *Failure
	if errors.As(err, &f) {
		return StatusFail, f.Error(), f
	}
	return StatusFail, err.Error(), nil
}
