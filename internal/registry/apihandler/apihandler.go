// Package apihandler provides a reusable registry.StepHandler for steps
// whose work is a single outbound HTTP call: a bounded timeout from env, a
// redirect cap, and an explicit status-code check. Failures classify per
// apierr.Kind and honor Retry-After so 429/503 responses feed the
// executor's server-requested-backoff path instead of the default
// exponential table.
package apihandler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/orbitflow/taskengine/internal/apierr"
	"github.com/orbitflow/taskengine/internal/platform/envutil"
	"github.com/orbitflow/taskengine/internal/registry"
)

const defaultMaxResponseBytes = 10 << 20

// RequestBuilder turns an ExecutionContext into an outbound HTTP request.
type RequestBuilder func(ec *registry.ExecutionContext) (*http.Request, error)

// ResponseParser turns a successful response body into step results.
type ResponseParser func(status int, header http.Header, body []byte) (map[string]any, error)

// Handler is a registry.StepHandler backed by one outbound HTTP call.
type Handler struct {
	client  *http.Client
	build   RequestBuilder
	parse   ResponseParser
	maxBody int64
}

func New(build RequestBuilder, parse ResponseParser) *Handler {
	timeout := envutil.Duration("TASKENGINE_API_HANDLER_TIMEOUT_SECONDS", 25*time.Second)
	return &Handler{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 6 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		build:   build,
		parse:   parse,
		maxBody: defaultMaxResponseBytes,
	}
}

var _ registry.StepHandler = (*Handler)(nil)

func (h *Handler) Run(ec *registry.ExecutionContext) (map[string]any, error) {
	req, err := h.build(ec)
	if err != nil {
		return nil, apierr.New(apierr.KindValidation, fmt.Sprintf("build request: %v", err))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, apierr.NewRetryableError(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		return nil, apierr.NewRetryableError(fmt.Sprintf("read response: %v", err))
	}

	if retryErr := classifyStatus(resp.StatusCode, resp.Header, body); retryErr != nil {
		return nil, retryErr
	}

	if h.parse != nil {
		return h.parse(resp.StatusCode, resp.Header, body)
	}
	return defaultParse(body)
}

// classifyStatus maps an HTTP status to an apierr, or nil for success.
// 2xx succeeds. 429 and 503 are retryable, honoring Retry-After when
// present. Other 5xx are retryable with no server hint. 4xx (other than
// 429) are permanent: resubmitting the same request will not help.
func classifyStatus(status int, header http.Header, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		retryErr := apierr.NewRetryableError(fmt.Sprintf("http %d", status))
		if secs, ok := parseRetryAfter(header.Get("Retry-After")); ok {
			return retryErr.WithBackoffSeconds(secs)
		}
		return retryErr
	case status >= 500:
		return apierr.NewRetryableError(fmt.Sprintf("http %d: %s", status, truncate(body, 200)))
	default:
		return apierr.NewPermanentError(fmt.Sprintf("http %d: %s", status, truncate(body, 200)))
	}
}

// parseRetryAfter supports both the delay-seconds and HTTP-date forms of
// the Retry-After header (RFC 9110 §10.2.3).
func parseRetryAfter(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return secs, true
	}
	if when, err := http.ParseTime(v); err == nil {
		d := time.Until(when)
		if d < 0 {
			d = 0
		}
		return int(d.Seconds()), true
	}
	return 0, false
}

func defaultParse(body []byte) (map[string]any, error) {
	if len(body) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return map[string]any{"raw": string(body)}, nil
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
