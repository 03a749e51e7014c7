package equivalence

import (
	"testing"

	"redcapaudit/internal/document"
	"redcapaudit/internal/naming"
	"redcapaudit/internal/projector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextEquivalent(t *testing.T) {
	c := NewChecker(projector.Literal)

	tests := []struct {
		name     string
		actual   string
		template string
		target   naming.ID
		want     bool
	}{
		{"identical plain text", "hello", "hello", "ob_1a", true},
		{"case differs", "hello", "Hello", "ob_1a", false},
		{"both empty", "", "", "ob_1a", true},
		{"empty target", "", "", "", true},
		{"no variables", "hello [name]", "hello [name]", "ob_1a", true},
		{"variable substituted", "hello [name_1a]", "hello [name_template]", "ob_1a", true},
		{"variable not substituted", "hello [name]", "hello [name_template]", "ob_1a", false},
		{"other chain member", "hello [name_3a]", "hello [name_template]", "ob_1a", false},
		{"other half of same day", "[hr_1b]", "[hr_template]", "ob_1a", false},
		{"unrelated wording", "Your HR was [hr_3a]", "Heart rate [hr_template]", "ob_3a", false},
		{"initial instance", "[calc_trigger_alert_staff_0] = 1", "[calc_trigger_alert_staff_template] = 1", "ob_0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.TextEquivalent(tt.actual, tt.template, tt.target))
		})
	}
}

// Reverting every projected member reproduces the template.
func TestTextEquivalent_Reflexive(t *testing.T) {
	c := NewChecker(projector.Literal)
	tpl := "[calc_allow_patient_comms] = 1 and [timestamp_template] = \"\""
	for _, id := range naming.DefaultFamily().Derived() {
		actual := c.Projector().Text(tpl, id)
		assert.True(t, c.TextEquivalent(actual, tpl, id), id)
	}
}

func alert(attrs map[string]string) *document.Record {
	return document.NewRecord("redcap:Alerts", attrs)
}

func templateAlert() *document.Record {
	return alert(map[string]string{
		"alert_number":                 "13",
		"alert_title":                  "Obs Combined Staff alert - ob_template",
		"form_name":                    "ob_template",
		"alert_type":                   "SMS",
		"alert_condition":              "[calc_trigger_alert_staff_template] = 1",
		"alert_message":                "HR [hr_template] SAT [sat_template]",
		"cron_send_email_on":           "now",
		"cron_send_email_on_next_time": "",
		"email_sent":                   "1",
	})
}

func TestAttributesEquivalent_Matching(t *testing.T) {
	c := NewChecker(projector.Literal)
	actual := alert(map[string]string{
		"alert_number":                 "44",
		"alert_title":                  "Obs Combined Staff alert - ob_4a",
		"form_name":                    "ob_4a",
		"alert_type":                   "SMS",
		"alert_condition":              "[calc_trigger_alert_staff_4a] = 1",
		"alert_message":                "HR [hr_4a] SAT [sat_4a]",
		"cron_send_email_on":           "now",
		"cron_send_email_on_next_time": "",
		"email_sent":                   "0",
	})

	res := c.AttributesEquivalent(actual, templateAlert(), "ob_4a", AlertPolicy())
	assert.True(t, res.Equivalent(), "%v", res.Mismatches)
	assert.Empty(t, res.Notes)
}

func TestAttributesEquivalent_Mismatches(t *testing.T) {
	c := NewChecker(projector.Literal)
	actual := alert(map[string]string{
		"alert_title":                  "Obs Combined Staff alert - ob_4a",
		"form_name":                    "ob_4a",
		"alert_type":                   "EMAIL",
		"alert_condition":              "[calc_trigger_alert_staff_3a] = 1",
		"alert_message":                "HR [hr_4a] SAT [sat_template]",
		"cron_send_email_on_next_time": "",
		"email_to":                     "staff@example.org",
	})

	res := c.AttributesEquivalent(actual, templateAlert(), "ob_4a", AlertPolicy())
	require.False(t, res.Equivalent())

	byField := map[string][]string{}
	for _, m := range res.Mismatches {
		byField[m.Field] = append(byField[m.Field], m.Reason)
	}
	assert.Equal(t, []string{ReasonDiffers}, byField["alert_type"])
	assert.Equal(t, []string{ReasonMissing}, byField["cron_send_email_on"])
	assert.Equal(t, []string{ReasonUnexpected}, byField["email_to"])
	assert.Equal(t, []string{ReasonContent}, byField["alert_condition"])
	// The reverted text matches, but the stale reference is still caught.
	assert.Equal(t, []string{ReasonLeftover}, byField["alert_message"])
	_, titleFlagged := byField["alert_title"]
	assert.False(t, titleFlagged)
	// Ignored fields never show up, even when missing on one side.
	_, numberFlagged := byField["alert_number"]
	assert.False(t, numberFlagged)

	for _, m := range res.Mismatches {
		if m.Field == "alert_condition" {
			assert.Equal(t, "[calc_trigger_alert_staff_4a] = 1", m.Expected)
			assert.Contains(t, m.String(), "_3a")
		}
	}
}

func TestAttributesEquivalent_Ignoring(t *testing.T) {
	c := NewChecker(projector.Literal)
	tpl := templateAlert()
	actual := c.Projector().Project(tpl, "ob_2b")
	actual.Attrs["cron_send_email_on_next_time"] = "20:00:00"

	res := c.AttributesEquivalent(actual, tpl, "ob_2b", AlertPolicy())
	assert.False(t, res.Equivalent())

	res = c.AttributesEquivalent(actual, tpl, "ob_2b", AlertPolicy().Ignoring("cron_send_email_on_next_time"))
	assert.True(t, res.Equivalent(), "%v", res.Mismatches)

	// The base policy is unchanged.
	assert.False(t, AlertPolicy().Ignored.Has("cron_send_email_on_next_time"))
}

func TestAttributesEquivalent_ModeDisagreementIsNoted(t *testing.T) {
	tpl := alert(map[string]string{"alert_message": "[hr_template] [hr_templateb]"})
	actual := alert(map[string]string{"alert_message": "[hr_1a] [hr_1ab]"})

	literal := NewChecker(projector.Literal)
	res := literal.AttributesEquivalent(actual, tpl, "ob_1a", AlertPolicy())
	assert.True(t, res.Equivalent())
	require.Len(t, res.Notes, 1)
	assert.Contains(t, res.Notes[0], "boundary projection says different")

	boundary := NewChecker(projector.Boundary)
	res = boundary.AttributesEquivalent(actual, tpl, "ob_1a", AlertPolicy())
	assert.False(t, res.Equivalent())
	require.Len(t, res.Notes, 1)
	assert.Contains(t, res.Notes[0], "literal projection says equivalent")
}

func TestSurveyPolicy(t *testing.T) {
	c := NewChecker(projector.Literal)
	tpl := document.NewRecord("redcap:Surveys", map[string]string{
		"form_name":        "ob_template",
		"title":            "Ob Template",
		"logo":             "1234",
		"enhanced_choices": "1",
		"hide_back_button": "1",
	})
	actual := document.NewRecord("redcap:Surveys", map[string]string{
		"form_name":        "ob_5b",
		"title":            "Observation 5b",
		"enhanced_choices": "1",
		"hide_back_button": "0",
	})

	res := c.AttributesEquivalent(actual, tpl, "ob_5b", SurveyPolicy())
	require.Len(t, res.Mismatches, 1)
	assert.Equal(t, "hide_back_button", res.Mismatches[0].Field)
}

func TestStructuralEquals(t *testing.T) {
	c := NewChecker(projector.Literal)

	tpl := document.NewRecord(document.KindForm, map[string]string{
		"OID": "Form.ob_template", "Name": "Ob Template", "redcap:FormName": "ob_template",
	})
	tpl.Children = []*document.Record{
		document.NewRecord(document.KindItem, map[string]string{"OID": "hr_template"}),
	}

	good := document.NewRecord(document.KindForm, map[string]string{
		"OID": "Form.ob_4a", "Name": "Ob 4a", "redcap:FormName": "ob_4a",
	})
	good.Children = []*document.Record{
		document.NewRecord(document.KindItem, map[string]string{"OID": "hr_4a"}),
	}

	ok, diff := c.StructuralEquals(tpl, good, "ob_4a")
	assert.True(t, ok)
	assert.Empty(t, diff)

	bad := good.Clone()
	bad.Children[0].Attrs["OID"] = "hr_4b"
	ok, diff = c.StructuralEquals(tpl, bad, "ob_4a")
	assert.False(t, ok)
	assert.Contains(t, diff, "hr_4b")

	missing := good.Clone()
	missing.Children = nil
	ok, _ = c.StructuralEquals(tpl, missing, "ob_4a")
	assert.False(t, ok)
}
