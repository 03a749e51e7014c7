package rules

import (
	"fmt"
	"strings"

	"redcapaudit/internal/document"
	"redcapaudit/internal/equivalence"
	"redcapaudit/internal/naming"
)

// want is one expected attribute value.
type want struct {
	field string
	value string
}

// present fails when rec is nil.
func present(rec *document.Record, format string, args ...interface{}) error {
	if rec == nil {
		return Failf(format+" not found", args...)
	}
	return nil
}

// expect checks attributes in order and stops at the first mismatch.
func expect(rec *document.Record, wants ...want) error {
	for _, w := range wants {
		got, ok := rec.Lookup(w.field)
		if !ok {
			return &Failure{Field: w.field, Expected: w.value, Actual: "", Detail: "attribute missing"}
		}
		if got != w.value {
			return &Failure{Field: w.field, Expected: w.value, Actual: got}
		}
	}
	return nil
}

// expectContains checks that field contains every substring.
func expectContains(rec *document.Record, field string, substrings ...string) error {
	got := rec.Attr(field)
	for _, s := range substrings {
		if !strings.Contains(got, s) {
			return &Failure{Field: field, Expected: "contains " + s, Actual: got}
		}
	}
	return nil
}

// equivalent turns an attribute comparison into a rule result and copies
// its notes onto the outcome.
func equivalent(env *Env, label string, res equivalence.Result) error {
	for _, n := range res.Notes {
		env.Note("%s: %s", label, n)
	}
	if res.Equivalent() {
		return nil
	}
	return &Failure{
		Detail:     label + " does not match template",
		Mismatches: res.Mismatches,
	}
}

// inactive passes when a survey has no automated invite or it is disabled.
func inactive(env *Env, form string) error {
	invite := env.Doc.SurveyScheduler(form)
	if invite == nil {
		return nil
	}
	return expect(invite, want{"active", "0"})
}

// chainTime picks the morning or afternoon value for a scheduled member.
func chainTime(env *Env, id naming.ID, morning, afternoon string) (string, error) {
	half, err := env.Family.TimeOfDay(id)
	if err != nil {
		return "", err
	}
	if half == naming.Morning {
		return morning, nil
	}
	return afternoon, nil
}

// triggerLogic is the invite condition for a scheduled member: monitoring is
// active and the admission was the day before or the day of the send day.
func triggerLogic(day int) string {
	return fmt.Sprintf("[calc_mon_status_observation] = 1 and "+
		"(datediff([mon_admission_date], 'today', 'd') = %d or "+
		"datediff([mon_admission_date], 'today', 'd') = %d)", day-1, day)
}

// lineOf returns the 1-based line of offset in raw.
func lineOf(raw []byte, offset int) int {
	line := 1
	for _, b := range raw[:offset] {
		if b == '\n' {
			line++
		}
	}
	return line
}
