// Package browser logs in to the REDCap admin UI with a real Chrome instance
// for sites where the plain HTTP form login is blocked (SSO pages, captchas
// solved by hand in a visible window).
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"redcapaudit/internal/config"
	"redcapaudit/internal/logging"
	"redcapaudit/internal/redcap"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// Selectors on the REDCap login form.
const (
	SelectorUsername = "input[name=username]"
	SelectorPassword = "input[name=password]"
	SelectorSubmit   = "#login_btn, button[type=submit], input[type=submit]"
)

// Browser owns one Chrome connection.
type Browser struct {
	cfg config.BrowserConfig

	mu         sync.Mutex
	browser    *rod.Browser
	controlURL string
}

// New returns an unstarted browser.
func New(cfg config.BrowserConfig) *Browser {
	return &Browser{cfg: cfg}
}

// Start connects to an existing Chrome or launches a new one.
func (b *Browser) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		if _, err := b.browser.Version(); err == nil {
			return nil
		}
		_ = b.browser.Close()
		b.browser = nil
		b.controlURL = ""
	}

	controlURL := b.cfg.DebuggerURL
	if controlURL == "" && len(b.cfg.Launch) > 0 {
		launch := launcher.New().Bin(b.cfg.Launch[0]).Headless(b.cfg.Headless)
		for _, rawFlag := range b.cfg.Launch[1:] {
			name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}
	if controlURL == "" {
		url, err := launcher.New().Headless(b.cfg.Headless).Launch()
		if err != nil {
			return fmt.Errorf("no debugger_url and failed to launch: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	b.browser = browser
	b.controlURL = controlURL
	logging.Get(logging.CategoryBrowser).Debug("connected to chrome at %s", controlURL)
	return nil
}

// Shutdown closes the browser.
func (b *Browser) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	b.controlURL = ""
	return err
}

// Login fills in the login form at loginURL and returns the session the
// browser ends up with.
func (b *Browser) Login(ctx context.Context, loginURL, username, password string) (redcap.Session, error) {
	if err := b.Start(ctx); err != nil {
		return redcap.Session{}, err
	}
	log := logging.Get(logging.CategoryBrowser)

	b.mu.Lock()
	browser := b.browser
	b.mu.Unlock()

	page, err := browser.Page(proto.TargetCreateTarget{URL: loginURL})
	if err != nil {
		return redcap.Session{}, fmt.Errorf("open login page: %w", err)
	}
	defer page.Close()
	p := page.Context(ctx).Timeout(b.cfg.NavigationTimeout())

	if err := p.WaitLoad(); err != nil {
		return redcap.Session{}, fmt.Errorf("load login page: %w", err)
	}
	if err := fill(p, SelectorUsername, username); err != nil {
		return redcap.Session{}, err
	}
	if err := fill(p, SelectorPassword, password); err != nil {
		return redcap.Session{}, err
	}

	submit, err := p.Element(SelectorSubmit)
	if err != nil {
		return redcap.Session{}, fmt.Errorf("login button not found: %w", err)
	}
	wait := p.WaitNavigation(proto.PageLifecycleEventNameLoad)
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return redcap.Session{}, fmt.Errorf("submit login: %w", err)
	}
	wait()

	res, err := p.Eval(`() => (typeof redcap_csrf_token === "string" ? redcap_csrf_token : "")`)
	if err != nil {
		return redcap.Session{}, fmt.Errorf("read csrf token: %w", err)
	}
	csrf := res.Value.Str()
	if csrf == "" {
		return redcap.Session{}, redcap.ErrLoginFailed
	}

	cookies, err := p.Cookies([]string{loginURL})
	if err != nil {
		return redcap.Session{}, fmt.Errorf("read cookies: %w", err)
	}
	for _, c := range cookies {
		if c.Name == redcap.SessionCookie {
			log.Info("browser login succeeded for %s", username)
			return redcap.Session{ID: c.Value, CSRFToken: csrf}, nil
		}
	}
	return redcap.Session{}, fmt.Errorf("%w: no %s cookie", redcap.ErrLoginFailed, redcap.SessionCookie)
}

func fill(p *rod.Page, selector, text string) error {
	el, err := p.Element(selector)
	if err != nil {
		return fmt.Errorf("element %s not found: %w", selector, err)
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}
