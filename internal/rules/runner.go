package rules

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"redcapaudit/internal/logging"

	"golang.org/x/sync/errgroup"
)

// Report is the result of one audit run.
type Report struct {
	Outcomes []Outcome     `json:"outcomes"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Errored  int           `json:"errored"`
	Skipped  int           `json:"skipped"`
}

// OK reports whether no rule failed or errored.
func (r *Report) OK() bool {
	return r.Failed == 0 && r.Errored == 0
}

// Total returns the number of evaluated rules.
func (r *Report) Total() int {
	return len(r.Outcomes)
}

func (r *Report) count() {
	r.Passed, r.Failed, r.Errored, r.Skipped = 0, 0, 0, 0
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusPass:
			r.Passed++
		case StatusFail:
			r.Failed++
		case StatusError:
			r.Errored++
		case StatusSkip:
			r.Skipped++
		}
	}
}

// Runner evaluates rules concurrently.
type Runner struct {
	concurrency int
	timeout     time.Duration
}

// NewRunner returns a runner that evaluates at most concurrency rules at
// once. A zero timeout disables the per-rule deadline.
func NewRunner(concurrency int, timeout time.Duration) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{concurrency: concurrency, timeout: timeout}
}

// Run evaluates every rule and returns outcomes in catalogue order. A failing
// rule never stops the others. Cancelling ctx marks rules that have not
// started as errored.
func (r *Runner) Run(ctx context.Context, env *Env, rules []Rule) *Report {
	log := logging.Get(logging.CategoryRules)
	report := &Report{
		Outcomes: make([]Outcome, len(rules)),
		Started:  time.Now(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, rule := range rules {
		g.Go(func() error {
			report.Outcomes[i] = r.evaluate(gctx, env, rule)
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(report.Started)
	report.count()

	log.Info("evaluated %d rules in %s: %d passed, %d failed, %d errored, %d skipped",
		report.Total(), report.Duration, report.Passed, report.Failed, report.Errored, report.Skipped)
	return report
}

type result struct {
	err   error
	notes []string
}

func (r *Runner) evaluate(ctx context.Context, env *Env, rule Rule) Outcome {
	log := logging.Get(logging.CategoryRules)
	out := Outcome{
		RuleID:      rule.ID,
		Description: rule.Description,
		Category:    rule.Category,
	}
	start := time.Now()

	if err := ctx.Err(); err != nil {
		out.Status = StatusError
		out.Message = fmt.Sprintf("not evaluated: %v", err)
		return out
	}

	done := make(chan result, 1)
	go func() {
		local := *env
		local.notes = nil
		done <- result{err: protect(rule, &local), notes: local.notes}
	}()

	var res result
	if r.timeout > 0 {
		timer := time.NewTimer(r.timeout)
		defer timer.Stop()
		select {
		case res = <-done:
		case <-timer.C:
			res = result{err: fmt.Errorf("%w: exceeded %s", errRuleTimeout, r.timeout)}
		case <-ctx.Done():
			res = result{err: fmt.Errorf("%w: %v", errRuleCancelled, ctx.Err())}
		}
	} else {
		select {
		case res = <-done:
		case <-ctx.Done():
			res = result{err: fmt.Errorf("%w: %v", errRuleCancelled, ctx.Err())}
		}
	}

	out.Duration = time.Since(start)
	out.Notes = res.notes
	out.Status, out.Message, out.Failure = classify(res.err)
	if isRunnerError(res.err) {
		out.Status = StatusError
	}

	switch out.Status {
	case StatusFail:
		log.With("rule", rule.ID).Debug("failed: %s", out.Message)
	case StatusError:
		log.With("rule", rule.ID).Warn("errored: %s", out.Message)
	}
	return out
}

// protect runs the check and turns a panic into an error.
func protect(rule Rule, env *Env) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p, stack: string(debug.Stack())}
		}
	}()
	return rule.Check(env)
}

type panicError struct {
	value interface{}
	stack string
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

var (
	errRuleTimeout   = errors.New("rule timed out")
	errRuleCancelled = errors.New("rule cancelled")
)

// isRunnerError reports errors raised by the runner rather than the rule.
func isRunnerError(err error) bool {
	var p *panicError
	return errors.As(err, &p) || errors.Is(err, errRuleTimeout) || errors.Is(err, errRuleCancelled)
}

// Select filters rules by ID prefix and category. Empty arguments match all.
func Select(rules []Rule, prefix string, category Category) []Rule {
	var out []Rule
	for _, r := range rules {
		if prefix != "" && !strings.HasPrefix(r.ID, prefix) {
			continue
		}
		if category != "" && r.Category != category {
			continue
		}
		out = append(out, r)
	}
	return out
}
