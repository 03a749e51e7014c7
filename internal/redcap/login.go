package redcap

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"redcapaudit/internal/logging"

	"golang.org/x/net/html"
)

var csrfPattern = regexp.MustCompile(`var redcap_csrf_token = '([^']+)'`)

// Login posts the login form and returns the new session. The form carries
// a one-off field named redcap_login_* that must be echoed back.
func (c *Client) Login(ctx context.Context, username, password string) (Session, error) {
	log := logging.Get(logging.CategoryREDCap)
	loginURL := c.base.String() + "/"
	c.session = Session{}

	req, err := c.newRequest(ctx, "GET", loginURL, nil)
	if err != nil {
		return Session{}, err
	}
	_, page, err := c.do(req)
	if err != nil {
		return Session{}, fmt.Errorf("load login page: %w", err)
	}
	field, err := loginField(page)
	if err != nil {
		return Session{}, err
	}

	form := url.Values{
		"username":  {username},
		"password":  {password},
		"submitted": {"1"},
		field:       {""},
	}
	req, err = c.newRequest(ctx, "POST", loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, body, err := c.do(req)
	if err != nil {
		return Session{}, fmt.Errorf("submit login: %w", err)
	}

	// A failed login is only visible in the page text.
	m := csrfPattern.FindSubmatch(body)
	if m == nil {
		return Session{}, ErrLoginFailed
	}
	var sessionID string
	for _, ck := range c.http.Jar.Cookies(c.base) {
		if ck.Name == SessionCookie {
			sessionID = ck.Value
		}
	}
	if sessionID == "" {
		return Session{}, fmt.Errorf("%w: no %s cookie set", ErrLoginFailed, SessionCookie)
	}

	c.session = Session{ID: sessionID, CSRFToken: string(m[1])}
	log.Info("logged in as %s", username)
	return c.session, nil
}

// loginField finds the id of the redcap_login_* element on the login page.
func loginField(page []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parse login page: %w", err)
	}

	var found string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if found != "" {
			return
		}
		if n.Type == html.ElementNode {
			for _, a := range n.Attr {
				if a.Key == "id" && strings.HasPrefix(a.Val, "redcap_login_") {
					found = a.Val
					return
				}
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(doc)

	if found == "" {
		return "", fmt.Errorf("login page has no redcap_login_ field")
	}
	return found, nil
}
