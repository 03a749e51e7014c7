package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"redcapaudit/internal/equivalence"
	"redcapaudit/internal/rules"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() *rules.Report {
	r := &rules.Report{
		Started:  time.Date(2020, 5, 1, 9, 0, 0, 0, time.UTC),
		Duration: 42 * time.Millisecond,
		Outcomes: []rules.Outcome{
			{RuleID: "instrument-exists[ob_0]", Category: rules.CategoryExistence, Status: rules.StatusPass},
			{
				RuleID:   "form-structure[ob_6a]",
				Category: rules.CategoryStructure,
				Status:   rules.StatusFail,
				Message:  "ob_6a differs from the projected template",
				Failure: &rules.Failure{
					Detail: "ob_6a differs from the projected template",
					Diff:   "-\t\"DataType\": \"integer\",\n+\t\"DataType\": \"text\",\n",
				},
			},
			{
				RuleID:   "patient-alert-match[ob_4b]",
				Category: rules.CategoryStructure,
				Status:   rules.StatusFail,
				Message:  "alert_message: leftover",
				Notes:    []string{"alert_message: literal projection says equivalent, boundary projection says different"},
				Failure: &rules.Failure{
					Mismatches: []equivalence.Mismatch{{Field: "alert_message", Actual: "[hr_template]", Reason: equivalence.ReasonLeftover}},
				},
			},
			{RuleID: "late-alert-time[ob_3a]", Category: rules.CategorySchedule, Status: rules.StatusError, Message: "naming convention violation"},
			{RuleID: "twilio-sending-number", Category: rules.CategorySettings, Status: rules.StatusSkip, Message: "not exported"},
		},
	}
	r.Passed, r.Failed, r.Errored, r.Skipped = 1, 2, 1, 1
	return r
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "TEXT": FormatText, "json": FormatJSON, "markdown": FormatMarkdown} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("html")
	assert.Error(t, err)
}

func TestText(t *testing.T) {
	meta := Meta{RunID: "run-1", Path: "project.xml"}

	out := Text(sampleReport(), meta, Options{})
	assert.Contains(t, out, "export: project.xml")
	assert.Contains(t, out, "FAIL  form-structure[ob_6a]")
	assert.Contains(t, out, `"DataType": "text"`)
	assert.Contains(t, out, "ERROR late-alert-time[ob_3a]")
	assert.Contains(t, out, "note: alert_message")
	assert.Contains(t, out, "5 rules: 1 passed, 2 failed, 1 errored, 1 skipped")
	assert.NotContains(t, out, "instrument-exists[ob_0]", "passing rules are hidden by default")
	assert.NotContains(t, out, "\nsettings\n", "empty categories are omitted")

	verbose := Text(sampleReport(), meta, Options{Verbose: true})
	assert.Contains(t, verbose, "PASS  instrument-exists[ob_0]")
	assert.Contains(t, verbose, "SKIP  twilio-sending-number")

	// Categories appear in catalogue order.
	assert.Less(t, strings.Index(verbose, "existence"), strings.Index(verbose, "structure"))
	assert.Less(t, strings.Index(verbose, "structure"), strings.Index(verbose, "schedule"))
}

func TestMarkdown(t *testing.T) {
	md := Markdown(sampleReport(), Meta{Path: "project.xml", Digest: "abc"}, Options{})
	assert.Contains(t, md, "# REDCap template audit")
	assert.Contains(t, md, "- SHA-256: `abc`")
	assert.Contains(t, md, "## Structure")
	assert.Contains(t, md, "| fail | `form-structure[ob_6a]` |")
	assert.Contains(t, md, "```diff\n-\t\"DataType\": \"integer\",")
	assert.NotContains(t, md, "## Existence")
}

func TestCell(t *testing.T) {
	assert.Equal(t, `a \| b<br>c`, cell("a | b\nc"))
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, sampleReport(), Meta{RunID: "run-1"}))

	var got struct {
		RunID    string         `json:"run_id"`
		OK       bool           `json:"ok"`
		Counts   map[string]int `json:"counts"`
		Outcomes []struct {
			Rule    string `json:"rule"`
			Status  string `json:"status"`
			Failure *struct {
				Diff       string `json:"diff"`
				Mismatches []struct {
					Field  string `json:"field"`
					Reason string `json:"reason"`
				} `json:"mismatches"`
			} `json:"failure"`
		} `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))

	assert.Equal(t, "run-1", got.RunID)
	assert.False(t, got.OK)
	assert.Equal(t, 2, got.Counts["fail"])
	require.Len(t, got.Outcomes, 5)
	assert.Nil(t, got.Outcomes[0].Failure)
	require.NotNil(t, got.Outcomes[1].Failure)
	assert.Contains(t, got.Outcomes[1].Failure.Diff, "integer")
	require.Len(t, got.Outcomes[2].Failure.Mismatches, 1)
	assert.Equal(t, equivalence.ReasonLeftover, got.Outcomes[2].Failure.Mismatches[0].Reason)
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleReport(), Meta{}, FormatMarkdown, Options{}))
	assert.True(t, strings.HasPrefix(buf.String(), "# REDCap template audit"))

	buf.Reset()
	require.NoError(t, Write(&buf, sampleReport(), Meta{}, FormatText, Options{}))
	assert.Contains(t, buf.String(), "REDCap template audit")
}

func TestFailing(t *testing.T) {
	assert.Equal(t,
		[]string{"form-structure[ob_6a]", "late-alert-time[ob_3a]", "patient-alert-match[ob_4b]"},
		Failing(sampleReport()))
}
