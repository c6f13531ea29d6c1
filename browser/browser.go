// Package browser publishes pins by driving the platform's pin creation
// tool in a real Chromium instance. It exists for the cases the direct
// endpoints cannot cover: first-time login and accounts whose sessions the
// platform refuses outside a browser.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"pinner/pkg/pin"
	"pinner/session"
)

const (
	loginURL  = "https://pinterest.com/login"
	uploadURL = "https://www.pinterest.com/pin-creation-tool/"

	selEmail        = "#email"
	selPassword     = "#password"
	selLoginButton  = "button.red.SignupButton.active"
	selFileInput    = "#storyboard-upload-input"
	selTitleInput   = `input[id="storyboard-selector-title"]`
	selDescription  = `div[aria-autocomplete="list"]`
	selLinkField    = "#WebsiteField"
	selBoardButton  = `button[data-test-id="board-dropdown-select-button"]`
	selBoardSearch  = "#pickerSearchField"
	selBoardRow     = `div[data-test-id*="board-row"]`
	selDoneButton   = `div[data-test-id="storyboard-creation-nav-done"]`
	elementWait     = 30 * time.Second
	loginWait       = 2 * time.Minute
	publishSettle   = 10 * time.Second
	fragileAttempts = 5
)

// ErrLoginFailed indicates the login form was submitted but the site never
// left the login screen.
var ErrLoginFailed = errors.New("browser: login did not complete")

// ElementNotFoundError indicates a UI element never appeared within its
// wait window, usually because the page layout changed.
type ElementNotFoundError struct {
	Err      error
	Selector string
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("element %q not found: %v", e.Selector, e.Err)
}

func (e *ElementNotFoundError) Unwrap() error { return e.Err }

// IsElementNotFound reports whether the error chain contains a missing UI
// element.
func IsElementNotFound(err error) bool {
	var enf *ElementNotFoundError
	return errors.As(err, &enf)
}

// Config controls the launched browser.
type Config struct {
	Logger    *slog.Logger
	UserAgent string
	Proxy     string
	Bin       string // Optional browser binary override
	Headless  bool
}

// Uploader drives one browser for one account.
type Uploader struct {
	browser *rod.Browser
	page    *rod.Page
	logger  *slog.Logger
}

// New launches a browser and opens the working tab.
func New(cfg Config) (*Uploader, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	launch := launcher.New().Headless(cfg.Headless)
	if cfg.Bin != "" {
		launch = launch.Bin(cfg.Bin)
	}
	launch.Set(flags.Flag("lang"), "en-US")
	if cfg.UserAgent != "" {
		launch.Set(flags.Flag("user-agent"), cfg.UserAgent)
	}
	if cfg.Proxy != "" {
		launch = launch.Proxy(cfg.Proxy)
	}

	controlURL, err := launch.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		if closeErr := b.Close(); closeErr != nil {
			logger.Warn("Closing browser after page failure also failed", "error", closeErr)
		}
		return nil, fmt.Errorf("open page: %w", err)
	}

	return &Uploader{browser: b, page: page, logger: logger}, nil
}

// Close shuts the browser down.
func (u *Uploader) Close() error {
	if err := u.browser.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// Login establishes an authenticated session. Saved cookies are injected
// when available; otherwise the login form is driven with the account
// credentials. The cookies active after login are returned so the caller
// can persist them.
func (u *Uploader) Login(ctx context.Context, account pin.Account, cookies []session.Cookie) ([]session.Cookie, error) {
	if len(cookies) > 0 {
		if err := u.injectCookies(cookies); err != nil {
			return nil, fmt.Errorf("inject saved cookies: %w", err)
		}
		page := u.page.Context(ctx)
		if err := page.Navigate(uploadURL); err != nil {
			return nil, fmt.Errorf("open creation tool with saved session: %w", err)
		}
		if err := page.WaitLoad(); err != nil {
			return nil, fmt.Errorf("load creation tool with saved session: %w", err)
		}
		u.logger.Info("Reusing saved session", "email", account.Email, "cookie_count", len(cookies))
		return cookies, nil
	}

	u.logger.Info("No saved session, logging in via form", "email", account.Email)
	page := u.page.Context(ctx)
	if err := page.Navigate(loginURL); err != nil {
		return nil, fmt.Errorf("open login page: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("load login page: %w", err)
	}

	emailField, err := u.waitElement(ctx, selEmail, elementWait)
	if err != nil {
		return nil, err
	}
	if err := emailField.Input(account.Email); err != nil {
		return nil, fmt.Errorf("type email: %w", err)
	}
	passwordField, err := u.waitElement(ctx, selPassword, elementWait)
	if err != nil {
		return nil, err
	}
	if err := passwordField.Input(account.Password); err != nil {
		return nil, fmt.Errorf("type password: %w", err)
	}
	loginButton, err := u.waitElement(ctx, selLoginButton, elementWait)
	if err != nil {
		return nil, err
	}
	if err := loginButton.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return nil, fmt.Errorf("click login: %w", err)
	}

	// The email field disappearing is the signal that login went through.
	if err := u.waitGone(ctx, selEmail, loginWait); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	u.logger.Info("Login completed", "email", account.Email)

	return u.captureCookies()
}

// injectCookies loads a previously captured session into the browser.
func (u *Uploader) injectCookies(cookies []session.Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, p)
	}
	if err := u.page.SetCookies(params); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

// captureCookies reads the cookies the browser currently holds.
func (u *Uploader) captureCookies() ([]session.Cookie, error) {
	res, err := proto.NetworkGetCookies{}.Call(u.page)
	if err != nil {
		return nil, fmt.Errorf("read browser cookies: %w", err)
	}
	cookies := make([]session.Cookie, 0, len(res.Cookies))
	for _, c := range res.Cookies {
		cookies = append(cookies, session.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: string(c.SameSite),
		})
	}
	return cookies, nil
}

// UploadVideo publishes a video through the creation tool. The browser
// path never learns the new pin's id, so it returns "".
func (u *Uploader) UploadVideo(ctx context.Context, req pin.UploadRequest, board string) (string, error) {
	return "", u.upload(ctx, req, board)
}

// UploadImage publishes an image through the creation tool.
func (u *Uploader) UploadImage(ctx context.Context, req pin.UploadRequest, board string) (string, error) {
	return "", u.upload(ctx, req, board)
}

// upload drives one pass through the creation tool form.
func (u *Uploader) upload(ctx context.Context, req pin.UploadRequest, board string) error {
	page := u.page.Context(ctx)
	if err := page.Navigate(uploadURL); err != nil {
		return fmt.Errorf("open creation tool: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("load creation tool: %w", err)
	}

	fileInput, err := u.waitElement(ctx, selFileInput, elementWait)
	if err != nil {
		return err
	}
	if err := fileInput.SetFiles([]string{req.FilePath}); err != nil {
		return fmt.Errorf("attach file: %w", err)
	}

	// The form re-renders while the upload preview loads, which detaches
	// elements mid-interaction. Fragile fields are retried.
	if err := u.fillFragile(ctx, selTitleInput, func(el *rod.Element) error {
		return el.Input(req.Title)
	}); err != nil {
		return fmt.Errorf("fill title: %w", err)
	}

	if err := u.fillFragile(ctx, selDescription, func(el *rod.Element) error {
		if err := el.Input(req.Description); err != nil {
			return err
		}
		return u.page.Keyboard.Type(input.Enter)
	}); err != nil {
		return fmt.Errorf("fill description: %w", err)
	}

	if req.Link != "" {
		linkField, linkErr := u.waitElement(ctx, selLinkField, elementWait)
		if linkErr != nil {
			return linkErr
		}
		if err := linkField.Input(req.Link); err != nil {
			return fmt.Errorf("fill link: %w", err)
		}
	}

	if err := u.selectBoard(ctx, board); err != nil {
		return err
	}

	doneButton, err := u.waitElement(ctx, selDoneButton, elementWait)
	if err != nil {
		return err
	}
	if err := doneButton.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click publish: %w", err)
	}

	// Give the publish call time to land before the next navigation.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishSettle):
	}
	u.logger.Info("Pin submitted via browser", "file", req.FilePath, "board", board)
	return nil
}

// selectBoard opens the board picker and chooses the first row matching
// the board name.
func (u *Uploader) selectBoard(ctx context.Context, board string) error {
	picker, err := u.waitElement(ctx, selBoardButton, elementWait)
	if err != nil {
		return err
	}
	if err := picker.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("open board picker: %w", err)
	}

	search, err := u.waitElement(ctx, selBoardSearch, elementWait)
	if err != nil {
		return err
	}
	if err := search.Input(board); err != nil {
		return fmt.Errorf("search board: %w", err)
	}

	row, err := u.waitElement(ctx, selBoardRow, elementWait)
	if err != nil {
		return err
	}
	if err := row.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("pick board: %w", err)
	}
	return nil
}

// fillFragile locates an element and runs fn on it, retrying the whole
// find-and-act sequence when the DOM mutates underneath it.
func (u *Uploader) fillFragile(ctx context.Context, selector string, fn func(*rod.Element) error) error {
	return retry.Do(
		func() error {
			el, err := u.waitElement(ctx, selector, elementWait)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if err := fn(el); err != nil {
				if isTransientDOMErr(err) {
					return err
				}
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(fragileAttempts),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			u.logger.Info("Retrying flaky form field", "selector", selector, "attempt", n, "error", err)
		}),
	)
}

// waitElement waits for a selector to appear, converting a timeout into an
// ElementNotFoundError.
func (u *Uploader) waitElement(ctx context.Context, selector string, wait time.Duration) (*rod.Element, error) {
	el, err := u.page.Context(ctx).Timeout(wait).Element(selector)
	if err != nil {
		return nil, &ElementNotFoundError{Selector: selector, Err: err}
	}
	return el, nil
}

// waitGone waits for a selector to disappear from the page.
func (u *Uploader) waitGone(ctx context.Context, selector string, wait time.Duration) error {
	page := u.page.Context(ctx).Timeout(wait)
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		has, _, err := page.Has(selector)
		if err != nil || !has {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("element %q still present after %s", selector, wait)
}

// isTransientDOMErr reports whether an interaction failed because the page
// re-rendered mid-action. Those failures succeed on a fresh element.
func isTransientDOMErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"Cannot find context with specified id",
		"Node with given id does not belong to the document",
		"Could not find node with given id",
		"Object id doesn't reference",
		"element is detached",
		"cannot find object",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
