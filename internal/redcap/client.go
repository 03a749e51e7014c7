// Package redcap talks to the REDCap admin web UI with a browser session:
// logging in, downloading the project XML, and listing or saving alerts.
package redcap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"redcapaudit/internal/config"
	"redcapaudit/internal/logging"
)

// SessionCookie is the PHP session cookie REDCap authenticates with.
const SessionCookie = "PHPSESSID"

var (
	// ErrLoginFailed means the server answered but did not accept the credentials.
	ErrLoginFailed = errors.New("redcap login failed")
	// ErrNotAuthenticated means a request was answered with the login page.
	ErrNotAuthenticated = errors.New("redcap session is not authenticated")
	// ErrFileExists means a download would overwrite an existing file.
	ErrFileExists = errors.New("file already exists")
	// ErrResponseTooLarge means a response body exceeded maxResponseBytes.
	ErrResponseTooLarge = errors.New("redcap response too large")
)

// Session is an authenticated admin UI session.
type Session struct {
	ID        string
	CSRFToken string
}

// Client is a REDCap admin UI client for one project.
type Client struct {
	base      *url.URL
	version   string
	projectID string
	userAgent string
	session   Session
	http      *http.Client
}

// New creates a client from configuration.
func New(cfg config.REDCapConfig, timeout time.Duration) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("redcap.base_url is not set")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid redcap.base_url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid redcap.base_url %q: need scheme and host", cfg.BaseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		base:      base,
		version:   cfg.Version,
		projectID: cfg.ProjectID,
		userAgent: cfg.UserAgent,
		session:   Session{ID: cfg.SessionID, CSRFToken: cfg.CSRFToken},
		http:      &http.Client{Timeout: timeout, Jar: jar},
	}, nil
}

// Session returns the current session.
func (c *Client) Session() Session {
	return c.session
}

// SetSession replaces the current session, e.g. after a browser login.
func (c *Client) SetSession(s Session) {
	c.session = s
}

// ProjectID returns the configured project id.
func (c *Client) ProjectID() string {
	return c.projectID
}

// pageURL builds a URL under the versioned application directory.
func (c *Client) pageURL(page string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + c.version + "/" + strings.TrimLeft(page, "/")
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.session.ID != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: c.session.ID})
	}
	return req, nil
}

func (c *Client) requireProject() error {
	if c.projectID == "" {
		return fmt.Errorf("redcap.project_id is not set")
	}
	if c.session.ID == "" {
		return fmt.Errorf("%w: no %s (log in first)", ErrNotAuthenticated, SessionCookie)
	}
	return nil
}

// maxResponseBytes bounds every response body read into memory.
var maxResponseBytes int64 = 64 << 20

// do sends req and returns the body of a 200 response.
func (c *Client) do(req *http.Request) (*http.Response, []byte, error) {
	log := logging.Get(logging.CategoryREDCap)
	log.Debug("%s %s", req.Method, req.URL.Path)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > maxResponseBytes {
		return nil, nil, fmt.Errorf("%w: %s returned more than %d bytes", ErrResponseTooLarge, req.URL.Path, maxResponseBytes)
	}
	if resp.StatusCode != http.StatusOK {
		return resp, body, fmt.Errorf("HTTP %d from %s", resp.StatusCode, req.URL.Path)
	}
	return resp, body, nil
}
