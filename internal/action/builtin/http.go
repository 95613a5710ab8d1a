package builtin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/roach88/nebula/internal/action"
	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/resilience"
)

// maxResponseBody caps how much of a response http.request reads.
const maxResponseBody = 1 << 20

// HTTPInput is http.request's input. URL and header values are templates
// rendered against Data.
type HTTPInput struct {
	Method  string            `json:"method,omitempty" validate:"omitempty,oneof=GET HEAD POST PUT PATCH DELETE"`
	URL     string            `json:"url" validate:"required"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Data    map[string]any    `json:"data,omitempty"`

	// Credential names the credential whose token authorizes the call.
	Credential credential.ID `json:"credential,omitempty"`
	// AuthHeader defaults to Authorization.
	AuthHeader string `json:"auth_header,omitempty"`

	// Client names a pool of *http.Client to check one out from.
	Client string `json:"client,omitempty"`

	// Select is a gjson path; the matching part of a JSON response is
	// returned as Selected.
	Select string `json:"select,omitempty"`
}

// HTTPOutput is http.request's output.
type HTTPOutput struct {
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"`
	Selected json.RawMessage   `json:"selected,omitempty"`
}

// HTTPRequest performs one HTTP call. Responses are classified into the
// fault taxonomy so the engine's retry policy only repeats what can succeed.
type HTTPRequest struct {
	client *http.Client
}

// NewHTTPRequest returns http.request using client by default.
func NewHTTPRequest(client *http.Client) *HTTPRequest {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRequest{client: client}
}

func (*HTTPRequest) Metadata() action.Metadata {
	return action.Metadata{
		Key:          "http.request",
		Name:         "HTTP Request",
		Description:  "Calls an HTTP endpoint, optionally with a managed credential.",
		Version:      1,
		Capabilities: []string{action.CapNetwork, action.CapCredentials, action.CapResources},
		Retry: &resilience.RetryConfig{
			MaxAttempts: 3,
			Base:        200 * time.Millisecond,
			Multiplier:  2,
			Max:         5 * time.Second,
			Jitter:      true,
		},
		Timeout: time.Minute,
	}
}

func (h *HTTPRequest) Execute(ctx action.Context, in HTTPInput) (action.Result[HTTPOutput], error) {
	req, err := h.build(ctx, in)
	if err != nil {
		return action.Result[HTTPOutput]{}, err
	}

	client := h.client
	if in.Client != "" {
		lease, err := ctx.Resource(in.Client)
		if err != nil {
			return action.Result[HTTPOutput]{}, err
		}
		defer lease.Release()
		c, ok := lease.Value().(*http.Client)
		if !ok {
			return action.Result[HTTPOutput]{}, fault.Newf(fault.Fatal, "resource %s is %T, not *http.Client", in.Client, lease.Value())
		}
		client = c
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return action.Result[HTTPOutput]{}, ctx.Err()
		}
		return action.Result[HTTPOutput]{}, fault.Wrap(fault.Retryable, err, "http request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return action.Result[HTTPOutput]{}, fault.Wrap(fault.Retryable, err, "read response")
	}
	if err := classify(resp); err != nil {
		ctx.Logger().Debug("http request failed", "url", req.URL.Redacted(), "status", resp.StatusCode)
		return action.Result[HTTPOutput]{}, err
	}

	out := HTTPOutput{Status: resp.StatusCode, Headers: flatten(resp.Header)}
	if gjson.ValidBytes(body) {
		out.Body = json.RawMessage(body)
		if in.Select != "" {
			if r := gjson.GetBytes(body, in.Select); r.Exists() {
				out.Selected = json.RawMessage(r.Raw)
			}
		}
	} else if len(body) > 0 {
		out.Body, _ = json.Marshal(string(body))
	}
	return action.Success(out), nil
}

func (h *HTTPRequest) build(ctx action.Context, in HTTPInput) (*http.Request, error) {
	url, err := ctx.Render(in.URL, in.Data)
	if err != nil {
		return nil, err
	}
	method := in.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(in.Body) > 0 {
		body = bytes.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSpace(url), body)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range in.Headers {
		rendered, err := ctx.Render(v, in.Data)
		if err != nil {
			return nil, err
		}
		req.Header.Set(k, rendered)
	}
	if in.Credential != "" {
		tok, err := ctx.Credential(in.Credential)
		if err != nil {
			return nil, err
		}
		header := in.AuthHeader
		if header == "" {
			header = "Authorization"
		}
		req.Header.Set(header, tok.Header())
	}
	return req, nil
}

var errStatus = errors.New("unexpected status")

// classify maps a non-2xx status onto the fault taxonomy.
func classify(resp *http.Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	cause := fmt.Errorf("%w %d", errStatus, code)
	var err error
	switch {
	case code == http.StatusTooManyRequests:
		err = fault.NewRateLimit(cause.Error(), retryAfter(resp.Header.Get("Retry-After")))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		err = fault.Wrap(fault.Authentication, cause, "request rejected")
	case code == http.StatusRequestTimeout || code >= 500:
		err = fault.Wrap(fault.Retryable, cause, "server error")
	default:
		err = fault.Wrap(fault.Fatal, cause, "request failed")
	}
	return fault.With(err, "status", strconv.Itoa(code))
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func flatten(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
