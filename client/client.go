// Package client drives the platform's JSON resource endpoints directly
// using a previously captured browser session.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"pinner/media"
	"pinner/pkg/pin"
	"pinner/session"
)

const (
	defaultBaseURL        = "https://www.pinterest.com"
	defaultMediaUploadURL = "https://pinterest-media-upload.s3-accelerate.amazonaws.com/"
	defaultImageUploadURL = "https://u.pinimg.com/"
	creationToolPath      = "/pin-creation-tool/"

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// ErrNoSession indicates the client was built without login cookies.
var ErrNoSession = errors.New("client: no session cookies")

// Client is an authenticated resource-endpoint client for one account.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	rnd        *rand.Rand
	prober     media.Prober
	frames     media.FrameExtractor

	userAgent  string
	csrfToken  string
	appVersion string

	baseURL        string
	mediaUploadURL string
	imageUploadURL string

	stageDelayMin time.Duration
	stageDelayMax time.Duration
}

// Config assembles a client. Cookies must come from a real login; Prober
// and Frames are only needed for video uploads. StageDelayMin/Max bound
// the silent pause between pipeline stages; an unset window falls back to
// a short default.
type Config struct {
	Logger        *slog.Logger
	Prober        media.Prober
	Frames        media.FrameExtractor
	Rand          *rand.Rand
	Account       pin.Account
	Cookies       []session.Cookie
	StageDelayMin time.Duration
	StageDelayMax time.Duration
}

// New builds a client from captured session cookies. A proxy that does not
// validate is logged and skipped rather than failing the whole account.
func New(cfg Config) (*Client, error) {
	if len(cfg.Cookies) == 0 {
		return nil, ErrNoSession
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	base, err := url.Parse(defaultBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	csrf := ""
	httpCookies := make([]*http.Cookie, 0, len(cfg.Cookies))
	for _, c := range cfg.Cookies {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   strings.TrimPrefix(c.Domain, "."),
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		httpCookies = append(httpCookies, hc)
		if c.Name == "csrftoken" {
			csrf = c.Value
		}
	}
	jar.SetCookies(base, httpCookies)
	if csrf == "" {
		logger.Warn("Session has no csrftoken cookie; resource calls may be rejected", "email", cfg.Account.Email)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Account.Proxy != "" {
		if proxyURL, proxyErr := ParseProxy(cfg.Account.Proxy); proxyErr != nil {
			logger.Warn("Ignoring invalid proxy", "proxy", cfg.Account.Proxy, "error", proxyErr)
		} else {
			transport.Proxy = http.ProxyURL(proxyURL)
			logger.Info("Routing through proxy", "scheme", proxyURL.Scheme, "host", proxyURL.Host)
		}
	}

	userAgent := cfg.Account.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	stageMin, stageMax := cfg.StageDelayMin, cfg.StageDelayMax
	if stageMax <= 0 {
		stageMin, stageMax = 2*time.Second, 5*time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   2 * time.Minute,
		},
		logger:         logger,
		rnd:            rnd,
		prober:         cfg.Prober,
		frames:         cfg.Frames,
		userAgent:      userAgent,
		csrfToken:      csrf,
		baseURL:        defaultBaseURL,
		mediaUploadURL: defaultMediaUploadURL,
		imageUploadURL: defaultImageUploadURL,
		stageDelayMin:  stageMin,
		stageDelayMax:  stageMax,
	}, nil
}

// ParseProxy validates a proxy URL. Only http and socks5 schemes are
// accepted; anything else is an error.
func ParseProxy(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	switch u.Scheme {
	case "http", "socks5":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q (want http or socks5)", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("proxy url has no host")
	}
	return u, nil
}

// Bootstrap primes the client against the live site: it loads the pin
// creation tool page and scrapes the application version the web app sends
// with every resource call. Failure is tolerated; requests then go out
// without the version header.
func (c *Client) Bootstrap(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+creationToolPath, nil)
	if err != nil {
		c.logger.Warn("Bootstrap request build failed", "error", err)
		return
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Could not load creation tool page", "error", err)
		return
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		c.logger.Warn("Could not parse creation tool page", "error", err)
		return
	}

	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if v := extractAppVersion(s.Text()); v != "" {
			c.appVersion = v
			return false
		}
		return true
	})
	if c.appVersion == "" {
		c.logger.Warn("Application version not found in page")
		return
	}
	c.logger.Debug("Scraped application version", "version", c.appVersion)
}

// extractAppVersion pulls the value of "appVersion" out of an inline
// bootstrap script.
func extractAppVersion(script string) string {
	for _, key := range []string{`"appVersion":"`, `"app_version":"`} {
		if i := strings.Index(script, key); i >= 0 {
			rest := script[i+len(key):]
			if j := strings.IndexByte(rest, '"'); j > 0 {
				return rest[:j]
			}
		}
	}
	return ""
}

// resourceOptions is the envelope every resource call wraps its payload in.
type resourceOptions struct {
	Options any            `json:"options"`
	Context map[string]any `json:"context"`
}

// postResource performs one POST against a resource endpoint and returns
// the decoded resource_response.data payload. Transient failures are
// retried; auth failures are not.
func (c *Client) postResource(ctx context.Context, endpoint, sourceURL string, options any) (json.RawMessage, error) {
	payload, err := json.Marshal(resourceOptions{Options: options, Context: map[string]any{}})
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}

	form := url.Values{}
	form.Set("source_url", sourceURL)
	form.Set("data", string(payload))
	body := form.Encode()

	var data json.RawMessage
	err = retry.Do(
		func() error {
			req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, strings.NewReader(body))
			if reqErr != nil {
				return retry.Unrecoverable(reqErr)
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Header.Set("User-Agent", c.userAgent)
			req.Header.Set("X-Requested-With", "XMLHttpRequest")
			if c.csrfToken != "" {
				req.Header.Set("X-CSRFToken", c.csrfToken)
			}
			if c.appVersion != "" {
				req.Header.Set("X-APP-VERSION", c.appVersion)
			}

			resp, doErr := c.httpClient.Do(req)
			if doErr != nil {
				return fmt.Errorf("post %s: %w", endpoint, doErr)
			}
			defer resp.Body.Close()

			raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if readErr != nil {
				return fmt.Errorf("read %s response: %w", endpoint, readErr)
			}
			if resp.StatusCode != http.StatusOK {
				apiErr := &APIError{Endpoint: endpoint, Status: resp.StatusCode, Body: truncateBody(raw)}
				if IsAuthError(apiErr) {
					return retry.Unrecoverable(apiErr)
				}
				return apiErr
			}

			var envelope struct {
				ResourceResponse struct {
					Data json.RawMessage `json:"data"`
				} `json:"resource_response"`
			}
			if jsonErr := json.Unmarshal(raw, &envelope); jsonErr != nil {
				return fmt.Errorf("decode %s response: %w", endpoint, jsonErr)
			}
			data = envelope.ResourceResponse.Data
			return nil
		},
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			c.logger.Info("Retrying resource call", "endpoint", endpoint, "attempt", n, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func truncateBody(raw []byte) string {
	const max = 512
	s := string(raw)
	if len(s) > max {
		return s[:max]
	}
	return s
}

// pause sleeps a random duration inside the configured stage-delay window,
// returning early if the context ends.
func (c *Client) pause(ctx context.Context) {
	if c.stageDelayMax <= 0 {
		return
	}
	span := c.stageDelayMax - c.stageDelayMin
	d := c.stageDelayMin
	if span > 0 {
		d += time.Duration(c.rnd.Int63n(int64(span)))
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
