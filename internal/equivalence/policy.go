package equivalence

import "sort"

// FieldSet is a set of attribute names.
type FieldSet map[string]struct{}

// NewFieldSet builds a set from names.
func NewFieldSet(names ...string) FieldSet {
	s := make(FieldSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports whether name is in the set.
func (s FieldSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns the members in lexical order.
func (s FieldSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Policy says how two flat attribute records are compared. Ignored fields
// are dropped from both sides. Content fields may differ only by instance
// suffix substitution. Every other field must match exactly.
type Policy struct {
	Ignored FieldSet
	Content FieldSet
}

// Ignoring returns a copy of p that additionally ignores fields.
func (p Policy) Ignoring(fields ...string) Policy {
	ignored := make(FieldSet, len(p.Ignored)+len(fields))
	for n := range p.Ignored {
		ignored[n] = struct{}{}
	}
	for _, n := range fields {
		ignored[n] = struct{}{}
	}
	content := make(FieldSet, len(p.Content))
	for n := range p.Content {
		content[n] = struct{}{}
	}
	return Policy{Ignored: ignored, Content: content}
}

// AlertPolicy compares an alert to its template alert. Alert numbers, trigger
// form, subject, and send bookkeeping always differ per instance.
func AlertPolicy() Policy {
	return Policy{
		Ignored: NewFieldSet(
			"alert_number",
			"form_name",
			"email_subject",
			"email_timestamp_sent",
			"email_sent",
		),
		Content: NewFieldSet(
			"alert_condition",
			"alert_title",
			"alert_message",
		),
	}
}

// SurveyPolicy compares a survey's settings to the template survey.
func SurveyPolicy() Policy {
	return Policy{
		Ignored: NewFieldSet(
			"title",
			"form_name",
			"check_diversity_view_results",
			"logo",
		),
		Content: NewFieldSet(),
	}
}
