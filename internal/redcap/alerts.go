package redcap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"redcapaudit/internal/logging"
)

// Alert is one row of the Alerts & Notifications page.
type Alert struct {
	ID     string
	Number string
	Type   string
	Title  string
}

// The edit handler for each alert row carries its metadata as a JSON object.
var alertRowPattern = regexp.MustCompile(`__rcfunc_editEmailAlert_emailRow.*editEmailAlert\(({.*?}),`)

// ListAlerts scrapes the alerts page.
func (c *Client) ListAlerts(ctx context.Context) ([]Alert, error) {
	if err := c.requireProject(); err != nil {
		return nil, err
	}
	target := c.pageURL("index.php", url.Values{
		"pid":   {c.projectID},
		"route": {"AlertsController:setup"},
	})
	req, err := c.newRequest(ctx, "GET", target, nil)
	if err != nil {
		return nil, err
	}
	_, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	alerts, err := parseAlerts(body)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 && strings.Contains(string(body), "redcap_login_") {
		return nil, ErrNotAuthenticated
	}
	return alerts, nil
}

func parseAlerts(page []byte) ([]Alert, error) {
	var alerts []Alert
	for _, m := range alertRowPattern.FindAllSubmatch(page, -1) {
		var raw map[string]interface{}
		if err := json.Unmarshal(m[1], &raw); err != nil {
			return nil, fmt.Errorf("parse alert row: %w", err)
		}
		alerts = append(alerts, Alert{
			ID:     field(raw, "alert-id"),
			Number: field(raw, "alert-number"),
			Type:   field(raw, "alert-type"),
			Title:  field(raw, "alert-title"),
		})
	}
	return alerts, nil
}

func field(raw map[string]interface{}, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.0f", f)
	}
	return fmt.Sprint(v)
}

// SaveAlert posts an alert form to the save endpoint. The form must carry
// redcap_csrf_token and index_modal_update.
func (c *Client) SaveAlert(ctx context.Context, form url.Values) error {
	if err := c.requireProject(); err != nil {
		return err
	}
	target := c.pageURL("index.php", url.Values{
		"pid":   {c.projectID},
		"route": {"AlertsController:saveAlert"},
	})
	req, err := c.newRequest(ctx, "POST", target, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	_, body, err := c.do(req)
	if err != nil {
		return fmt.Errorf("save alert %s: %w", form.Get("index_modal_update"), err)
	}
	logging.Get(logging.CategoryREDCap).Info("saved alert %s (%q): %s",
		form.Get("index_modal_update"), form.Get("alert-title"), strings.TrimSpace(string(body)))
	return nil
}
