// Package vrchat is a small client for the parts of the VRChat web API the
// notifier needs: login (with two-factor verification) and the friends list.
package vrchat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	logx "vrcnotify/pkg/logx"
)

const (
	DefaultBaseURL   = "https://api.vrchat.cloud/api/1"
	DefaultUserAgent = "vrcnotify/0.1.0"

	authCookie = "auth"
)

type Config struct {
	BaseURL   string
	UserAgent string
	Username  string
	Password  string
	Timeout   time.Duration
	RetryMax  int
}

// Client is safe for concurrent use.
type Client struct {
	cfg  Config
	base *url.URL
	jar  *recordingJar
	http *retryablehttp.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("vrchat base url: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	jar := newRecordingJar()
	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.RetryMax
	hc.RetryWaitMin = 500 * time.Millisecond
	hc.RetryWaitMax = 5 * time.Second
	hc.HTTPClient.Timeout = cfg.Timeout
	hc.HTTPClient.Jar = jar
	hc.Logger = nil // suppress retryablehttp's default logging
	hc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			log.Debug("retrying request", logx.String("path", req.URL.Path), logx.Int("attempt", attempt))
		}
	}
	// Only transport errors, 429 and 5xx are retried; 401 etc. surface immediately.
	hc.CheckRetry = retryablehttp.DefaultRetryPolicy
	// Return the last response instead of a generic "giving up" error so the
	// API error body can still be decoded.
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{cfg: cfg, base: base, jar: jar, http: hc, log: log}, nil
}

// Username returns the configured login name.
func (c *Client) Username() string { return c.cfg.Username }

// SetCookies seeds the client with a previously saved session.
func (c *Client) SetCookies(cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	c.jar.SetCookies(c.base, cookies)
}

// Cookies exports the current session cookies with their attributes.
func (c *Client) Cookies() []*http.Cookie { return c.jar.export() }

func (c *Client) hasAuthCookie() bool {
	for _, ck := range c.jar.Cookies(c.base) {
		if ck.Name == authCookie && ck.Value != "" {
			return true
		}
	}
	return false
}

// CurrentUser calls GET /auth/user. Without a session cookie it sends HTTP
// Basic credentials, which logs in and sets the auth cookie.
func (c *Client) CurrentUser(ctx context.Context) (AuthResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/auth/user", nil, nil)
	if err != nil {
		return AuthResponse{}, err
	}
	if !c.hasAuthCookie() && c.cfg.Username != "" {
		req.Header.Set("Authorization", basicAuth(c.cfg.Username, c.cfg.Password))
	}

	var body authUserBody
	if err := c.do(req, &body); err != nil {
		return AuthResponse{}, err
	}
	if len(body.RequiresTwoFactorAuth) > 0 {
		return AuthResponse{TwoFactor: body.RequiresTwoFactorAuth}, nil
	}
	if body.ID == "" && body.DisplayName == "" {
		return AuthResponse{}, errors.New("vrchat api: empty current user response")
	}
	u := body.CurrentUser
	return AuthResponse{User: &u}, nil
}

// VerifyEmailOTP submits an emailed two-factor code.
func (c *Client) VerifyEmailOTP(ctx context.Context, code string) error {
	return c.verify(ctx, "/auth/twofactorauth/emailotp/verify", code)
}

// VerifyTOTP submits an authenticator app code.
func (c *Client) VerifyTOTP(ctx context.Context, code string) error {
	return c.verify(ctx, "/auth/twofactorauth/totp/verify", code)
}

func (c *Client) verify(ctx context.Context, path, code string) error {
	payload, err := json.Marshal(map[string]string{"code": strings.TrimSpace(code)})
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, nil, payload)
	if err != nil {
		return err
	}
	var out verifyBody
	if err := c.do(req, &out); err != nil {
		return err
	}
	if !out.Verified {
		return errors.New("vrchat api: two-factor code not accepted")
	}
	return nil
}

// Friends returns one page of the friend list.
func (c *Client) Friends(ctx context.Context, offset, n int, offline bool) ([]LimitedUser, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("n", strconv.Itoa(n))
	q.Set("offline", strconv.FormatBool(offline))
	req, err := c.newRequest(ctx, http.MethodGet, "/auth/user/friends", q, nil)
	if err != nil {
		return nil, err
	}
	var out []LimitedUser
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body []byte) (*retryablehttp.Request, error) {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	var rawBody any
	if body != nil {
		rawBody = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), rawBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *retryablehttp.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			apiErr.Message = eb.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// basicAuth builds the Authorization header; VRChat expects both parts
// URL-encoded before base64.
func basicAuth(user, pass string) string {
	raw := url.QueryEscape(user) + ":" + url.QueryEscape(pass)
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}
