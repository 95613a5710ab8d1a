// Package oauth2 implements OAuth 2.0 credential flows: client credentials,
// authorization code with PKCE, and the refresh-token grant.
//
// Token endpoint failures are classified for the resilience layer:
// transport errors and 5xx are Retryable, 429 is RateLimit (honoring
// Retry-After), 401/403 and invalid_grant/invalid_client are Authentication,
// and unparseable responses are Fatal. Response bodies quoted in errors are
// redacted.
package oauth2

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/roach88/nebula/internal/clock"
	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/secret"
)

// maxBody caps how much of a token response is read.
const maxBody = 1 << 20

// AuthStyle selects how client credentials reach the token endpoint.
type AuthStyle string

const (
	// AuthInBody sends client_id and client_secret as form fields.
	AuthInBody AuthStyle = "body"
	// AuthInHeader sends them as HTTP Basic authorization.
	AuthInHeader AuthStyle = "header"
)

// Client talks to token endpoints.
type Client struct {
	http     *http.Client
	clk      clock.Clock
	redactor *secret.Redactor
	log      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithClock sets the clock used to stamp issued tokens.
func WithClock(clk clock.Clock) Option { return func(c *Client) { c.clk = clk } }

// WithRedactor sets the redactor applied to response bodies in errors.
func WithRedactor(r *secret.Redactor) Option { return func(c *Client) { c.redactor = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }

// NewClient creates a client.
func NewClient(opts ...Option) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	c.clk = clock.OrDefault(c.clk)
	if c.redactor == nil {
		c.redactor = secret.NewRedactor()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// ClientAuth identifies the OAuth client.
type ClientAuth struct {
	ID     string
	Secret string
	Style  AuthStyle
}

// tokenResponse is the parsed success body of a token endpoint.
type tokenResponse struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	ExpiresIn    int64
	Scope        string
	IssuedAt     time.Time
}

// exchange posts form to tokenURL and parses the token response.
func (c *Client) exchange(ctx context.Context, tokenURL string, auth ClientAuth, form url.Values) (tokenResponse, error) {
	if auth.Style != AuthInHeader {
		form.Set("client_id", auth.ID)
		if auth.Secret != "" {
			form.Set("client_secret", auth.Secret)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, fault.Wrap(fault.Validation, err, "build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if auth.Style == AuthInHeader {
		req.SetBasicAuth(url.QueryEscape(auth.ID), url.QueryEscape(auth.Secret))
	}

	grant := form.Get("grant_type")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return tokenResponse{}, fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err(), "token request")
		}
		return tokenResponse{}, fault.Annotate(fault.Wrap(fault.Retryable, err, "token request"),
			map[string]string{"grant_type": grant})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return tokenResponse{}, fault.Wrap(fault.Retryable, err, "read token response")
	}
	if resp.StatusCode != http.StatusOK {
		return tokenResponse{}, c.classify(resp, body, grant)
	}

	if !gjson.ValidBytes(body) {
		return tokenResponse{}, fault.Newf(fault.Fatal, "token endpoint returned malformed JSON: %s", c.redactedSnippet(body))
	}
	doc := gjson.ParseBytes(body)
	if e := doc.Get("error"); e.Exists() {
		// Some providers report errors with 200.
		return tokenResponse{}, c.classify(resp, body, grant)
	}
	access := doc.Get("access_token")
	if access.Type != gjson.String || access.String() == "" {
		return tokenResponse{}, fault.New(fault.Fatal, "token response has no access_token")
	}
	tr := tokenResponse{
		AccessToken:  access.String(),
		TokenType:    doc.Get("token_type").String(),
		RefreshToken: doc.Get("refresh_token").String(),
		Scope:        doc.Get("scope").String(),
		IssuedAt:     c.clk.Now(),
	}
	// expires_in is a number, but some servers send it as a string.
	if exp := doc.Get("expires_in"); exp.Exists() {
		n, err := strconv.ParseInt(exp.String(), 10, 64)
		if err != nil {
			return tokenResponse{}, fault.Newf(fault.Fatal, "token response has invalid expires_in %q", exp.String())
		}
		tr.ExpiresIn = n
	}
	c.log.Debug("token issued", "grant_type", grant, "expires_in", tr.ExpiresIn)
	return tr, nil
}

// classify maps an error response onto the fault taxonomy.
func (c *Client) classify(resp *http.Response, body []byte, grant string) error {
	code := ""
	desc := ""
	if gjson.ValidBytes(body) {
		code = gjson.GetBytes(body, "error").String()
		desc = gjson.GetBytes(body, "error_description").String()
	}
	msg := fmt.Sprintf("token endpoint returned %d", resp.StatusCode)
	if code != "" {
		msg += ": " + code
		if desc != "" {
			msg += " (" + desc + ")"
		}
	} else if len(body) > 0 {
		msg += ": " + c.redactedSnippet(body)
	}
	msg = c.redactor.Redact(msg)

	var err *fault.Error
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		err = fault.NewRateLimit(msg, retryAfter(resp.Header.Get("Retry-After"), c.clk.Now()))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		err = fault.New(fault.Authentication, msg)
	case code == "invalid_grant" || code == "invalid_client" || code == "unauthorized_client":
		err = fault.New(fault.Authentication, msg)
	case code == "temporarily_unavailable" || resp.StatusCode >= 500:
		err = fault.New(fault.Retryable, msg)
		if d := retryAfter(resp.Header.Get("Retry-After"), c.clk.Now()); d > 0 {
			err.RetryAfter = d
		}
	case code == "slow_down":
		err = fault.NewRateLimit(msg, 5*time.Second)
	default:
		err = fault.New(fault.Fatal, msg)
	}
	ctx := map[string]string{"status": strconv.Itoa(resp.StatusCode), "grant_type": grant}
	if code != "" {
		ctx["oauth_error"] = code
	}
	return fault.Annotate(err, ctx)
}

// retryAfter parses a Retry-After header given as seconds or an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// redactedSnippet redacts the whole body before cutting it, so a cut inside
// a secret value cannot leave it unmatched.
func (c *Client) redactedSnippet(body []byte) string {
	return snippet([]byte(c.redactor.Redact(string(body))))
}

func snippet(b []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
