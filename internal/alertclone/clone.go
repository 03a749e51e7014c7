// Package alertclone rewrites a captured REDCap alert form so it configures
// the alert for another observation instance, and submits it.
package alertclone

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"redcapaudit/internal/config"
	"redcapaudit/internal/logging"
	"redcapaudit/internal/naming"
)

// ErrTemplate reports a captured form that cannot be used as a template.
var ErrTemplate = errors.New("invalid alert template")

// Template kinds.
const (
	KindSimple          = "simple"
	KindLateObservation = "late_observation"
)

// Form keys the clone touches explicitly.
const (
	KeyAlertIndex = "index_modal_update"
	KeyCSRFToken  = "redcap_csrf_token"
	KeyEmailTo    = "email-to"
	KeyPhoneTo    = "phone-number-to"
	KeyFormName   = "form-name"
	KeySendTime   = "cron-send-email-on-next-time"
	KeyTitle      = "alert-title"
)

// REDCap repeats these keys in a single submission.
var repeatable = map[string]bool{
	KeyCSRFToken: true,
	KeyEmailTo:   true,
	KeyPhoneTo:   true,
}

var curlData = regexp.MustCompile(`--data(?:-raw|-binary|-urlencode)? '([^']+)'`)
var digits = regexp.MustCompile(`^[0-9]+$`)

// Parse decodes a captured alert submission. It accepts the raw request
// body or a "copy as cURL" command line.
func Parse(captured string) (url.Values, error) {
	body := strings.TrimSpace(captured)
	if strings.HasPrefix(body, "curl ") {
		m := curlData.FindStringSubmatch(body)
		if m == nil {
			return nil, fmt.Errorf("%w: curl command has no --data body", ErrTemplate)
		}
		body = m[1]
	}
	if body == "" {
		return nil, fmt.Errorf("%w: empty form", ErrTemplate)
	}
	form, err := url.ParseQuery(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	for key, vals := range form {
		if len(vals) > 1 && !repeatable[key] {
			return nil, fmt.Errorf("%w: %d values for %s", ErrTemplate, len(vals), key)
		}
	}
	if form.Get(KeyTitle) == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrTemplate, KeyTitle)
	}
	return form, nil
}

// Request describes one clone operation.
type Request struct {
	Template   config.AlertTemplate
	AlertIndex string
	Target     naming.ID
	CSRFToken  string
}

// Cloner prepares and submits alert forms for one observation family.
type Cloner struct {
	family   *naming.Family
	schedule config.ScheduleConfig
}

// New returns a cloner for family. Late-observation alerts are sent at the
// schedule's late times.
func New(family *naming.Family, schedule config.ScheduleConfig) *Cloner {
	return &Cloner{family: family, schedule: schedule}
}

// Prepare returns the form to submit for req. It performs no I/O.
func (c *Cloner) Prepare(req Request) (url.Values, error) {
	if !digits.MatchString(req.AlertIndex) {
		return nil, fmt.Errorf("invalid alert index %q", req.AlertIndex)
	}
	if !c.family.IsValid(req.Target) || req.Target == c.family.Template() {
		return nil, fmt.Errorf("%w: %q is not a derived instance", naming.ErrConventionViolation, req.Target)
	}

	form, err := Parse(req.Template.Form)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Template.Name, err)
	}
	if req.Template.AlertIndex != "" && form.Get(KeyAlertIndex) != req.Template.AlertIndex {
		return nil, fmt.Errorf("%w: %s was captured from alert %s, expected %s",
			ErrTemplate, req.Template.Name, form.Get(KeyAlertIndex), req.Template.AlertIndex)
	}

	form[KeyEmailTo] = recipients(form[KeyEmailTo])

	var out url.Values
	switch req.Template.Kind {
	case KindSimple:
		out = c.substitute(form, req.Target)
	case KindLateObservation:
		out, err = c.lateObservation(form, req.Target)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrTemplate, req.Template.Kind)
	}

	out.Set(KeyAlertIndex, req.AlertIndex)
	out.Set(KeyCSRFToken, req.CSRFToken)
	return out, nil
}

// substitute renames every template reference in keys and values to target
// and drops repeated values.
func (c *Cloner) substitute(form url.Values, target naming.ID) url.Values {
	from := "_" + naming.Suffix(c.family.Template())
	to := "_" + naming.Suffix(target)

	out := make(url.Values, len(form))
	for key, vals := range form {
		newKey := strings.ReplaceAll(key, from, to)
		for _, v := range vals {
			out[newKey] = append(out[newKey], strings.ReplaceAll(v, from, to))
		}
		out[newKey] = unique(out[newKey])
	}
	return out
}

// lateObservation is triggered by the preceding instance's form but reports
// on target, and fires at the late time for target's half of the day.
func (c *Cloner) lateObservation(form url.Values, target naming.ID) (url.Values, error) {
	prev, err := c.family.Preceding(target)
	if err != nil {
		return nil, err
	}
	half, err := c.family.TimeOfDay(target)
	if err != nil {
		return nil, err
	}

	from := "_" + naming.Suffix(c.family.Template())
	form.Set(KeyFormName, strings.Replace(form.Get(KeyFormName), from, "_"+naming.Suffix(prev), 1))

	out := c.substitute(form, target)
	at := c.schedule.MorningLate
	if half == naming.Afternoon {
		at = c.schedule.AfternoonLate
	}
	out.Set(KeySendTime, clock(at))
	return out, nil
}

// Submitter posts a prepared alert form.
type Submitter interface {
	SaveAlert(ctx context.Context, form url.Values) error
}

// Submit sends a prepared form.
func Submit(ctx context.Context, s Submitter, form url.Values) error {
	log := logging.Get(logging.CategoryAlerts)
	log.Info("updating alert %s: %s", form.Get(KeyAlertIndex), form.Get(KeyTitle))
	return s.SaveAlert(ctx, form)
}

// Change is one form key whose value differs between template and clone.
type Change struct {
	Key    string
	Before []string
	After  []string
}

// Changes lists the keys that differ between the template form and the
// prepared form, sorted by key. The CSRF token is ignored.
func Changes(template, prepared url.Values) []Change {
	keys := make(map[string]bool)
	for k := range template {
		keys[k] = true
	}
	for k := range prepared {
		keys[k] = true
	}
	var out []Change
	for k := range keys {
		if k == KeyCSRFToken {
			continue
		}
		if !equal(template[k], prepared[k]) {
			out = append(out, Change{Key: k, Before: template[k], After: prepared[k]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// recipients keeps the combined comma-separated email-to value when REDCap
// sent one alongside the individual addresses. A single address is kept as is.
func recipients(vals []string) []string {
	var combined []string
	for _, v := range vals {
		if strings.Contains(v, ",") {
			combined = append(combined, v)
		}
	}
	if len(combined) > 0 {
		return unique(combined)
	}
	return unique(vals)
}

func unique(vals []string) []string {
	seen := make(map[string]bool, len(vals))
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// clock trims "13:00:00" to the "13:00" the alert form expects.
func clock(t string) string {
	if len(t) == len("15:04:05") {
		return t[:5]
	}
	return t
}
