// Package equivalence decides whether an instance definition matches what
// the template says it should be.
package equivalence

import (
	"fmt"
	"sort"
	"strings"

	"redcapaudit/internal/document"
	"redcapaudit/internal/naming"
	"redcapaudit/internal/projector"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// leftoverToken marks a variable reference that was never renamed.
const leftoverToken = "_" + naming.TemplateSuffix + "]"

// Mismatch reasons.
const (
	ReasonDiffers    = "differs"
	ReasonMissing    = "missing"
	ReasonUnexpected = "unexpected"
	ReasonContent    = "not equivalent after suffix substitution"
	ReasonLeftover   = "leftover _template] reference"
)

// Mismatch describes one field that broke equivalence.
type Mismatch struct {
	Field    string `json:"field"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Reason   string `json:"reason"`
}

func (m Mismatch) String() string {
	switch m.Reason {
	case ReasonMissing:
		return fmt.Sprintf("%s: missing (expected %q)", m.Field, m.Expected)
	case ReasonUnexpected:
		return fmt.Sprintf("%s: unexpected field with value %q", m.Field, m.Actual)
	case ReasonLeftover:
		return fmt.Sprintf("%s: %s in %q", m.Field, m.Reason, m.Actual)
	}
	return fmt.Sprintf("%s: %s: expected %q, got %q", m.Field, m.Reason, m.Expected, m.Actual)
}

// Result is the outcome of an attribute comparison.
type Result struct {
	Mismatches []Mismatch
	// Notes record fields where the two projection modes disagree. They do
	// not affect Equivalent.
	Notes []string
}

// Equivalent reports whether no mismatches were found.
func (r Result) Equivalent() bool {
	return len(r.Mismatches) == 0
}

// Checker compares instance definitions against projected templates.
type Checker struct {
	primary projector.Projector
	shadow  projector.Projector
}

// NewChecker returns a checker that decides with mode and reports where the
// other mode would have decided differently.
func NewChecker(mode projector.Mode) *Checker {
	return &Checker{
		primary: projector.New(mode),
		shadow:  projector.New(mode.Other()),
	}
}

// Projector returns the deciding projector.
func (c *Checker) Projector() projector.Projector {
	return c.primary
}

// StructuralEquals projects template onto target and deep-compares it with
// actual. The second result is a human readable diff (-expected +actual),
// empty when equal.
func (c *Checker) StructuralEquals(template, actual *document.Record, target naming.ID) (bool, string) {
	expected := c.primary.Project(template, target)
	diff := cmp.Diff(expected, actual, cmpopts.EquateEmpty())
	return diff == "", diff
}

// TextEquivalent reports whether actual, with the target's suffix tokens
// reverted, reproduces template exactly. A reference to a different family
// member's suffix is never reverted and therefore never matches.
func (c *Checker) TextEquivalent(actual, template string, target naming.ID) bool {
	return template == c.primary.Revert(actual, target)
}

// AttributesEquivalent compares two flat records under policy.
func (c *Checker) AttributesEquivalent(actual, template *document.Record, target naming.ID, policy Policy) Result {
	var res Result

	for _, field := range unionKeys(actual, template) {
		if policy.Ignored.Has(field) || policy.Content.Has(field) {
			continue
		}
		tv, tok := template.Lookup(field)
		av, aok := actual.Lookup(field)
		switch {
		case !aok:
			res.Mismatches = append(res.Mismatches, Mismatch{Field: field, Expected: tv, Reason: ReasonMissing})
		case !tok:
			res.Mismatches = append(res.Mismatches, Mismatch{Field: field, Actual: av, Reason: ReasonUnexpected})
		case tv != av:
			res.Mismatches = append(res.Mismatches, Mismatch{Field: field, Expected: tv, Actual: av, Reason: ReasonDiffers})
		}
	}

	checkLeftovers := naming.Suffix(target) != naming.TemplateSuffix
	for _, field := range policy.Content.Sorted() {
		if policy.Ignored.Has(field) {
			continue
		}
		tv, tok := template.Lookup(field)
		av, aok := actual.Lookup(field)
		switch {
		case !tok && !aok:
			continue
		case !aok:
			res.Mismatches = append(res.Mismatches, Mismatch{Field: field, Expected: c.primary.Text(tv, target), Reason: ReasonMissing})
			continue
		case !tok:
			res.Mismatches = append(res.Mismatches, Mismatch{Field: field, Actual: av, Reason: ReasonUnexpected})
			continue
		}

		ok := c.TextEquivalent(av, tv, target)
		if !ok {
			res.Mismatches = append(res.Mismatches, Mismatch{
				Field:    field,
				Expected: c.primary.Text(tv, target),
				Actual:   av,
				Reason:   ReasonContent,
			})
		}
		if shadowOK := tv == c.shadow.Revert(av, target); shadowOK != ok {
			res.Notes = append(res.Notes, fmt.Sprintf("%s: %s projection says %s, %s projection says %s",
				field, c.primary.Mode(), verdict(ok), c.shadow.Mode(), verdict(shadowOK)))
		}
		if checkLeftovers && strings.Contains(av, leftoverToken) {
			res.Mismatches = append(res.Mismatches, Mismatch{Field: field, Actual: av, Reason: ReasonLeftover})
		}
	}
	return res
}

func verdict(ok bool) string {
	if ok {
		return "equivalent"
	}
	return "different"
}

func unionKeys(a, b *document.Record) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, r := range []*document.Record{a, b} {
		if r == nil {
			continue
		}
		for _, k := range r.Keys() {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
