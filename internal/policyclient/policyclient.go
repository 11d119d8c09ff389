// Package policyclient calls the external policy engine that renders the
// final allow/deny verdict once the gateway's own hard invariants have
// passed. The gateway trusts this engine for everything beyond the
// invariants it enforces itself, and is deny-by-default on every
// failure mode.
package policyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FailureKind classifies why a policy-engine call did not produce a
// trustworthy verdict. Each kind maps to its own metrics counter label.
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureTimeout     FailureKind = "timeout"
	FailureUnavailable FailureKind = "unavailable"
	FailureBadStatus   FailureKind = "bad_status"
	FailureBadResponse FailureKind = "bad_response"
)

// Decision is the policy engine's verdict. Failure is non-empty whenever
// the call could not be trusted — callers must treat such a Decision as
// Allow=false regardless of the Allow field's value.
type Decision struct {
	Allow      bool
	Violations []string
	Failure    FailureKind
}

// Client calls POST {baseURL}/v1/data/casf with {"input": <doc>} and
// expects {"result": {"allow": bool, "violations": [string]}}.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a Client. timeout bounds the full round trip (spec
// budget: <=350ms).
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 350 * time.Millisecond
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type evaluateRequest struct {
	Input interface{} `json:"input"`
}

type evaluateResponse struct {
	Result struct {
		Allow      bool        `json:"allow"`
		Violations interface{} `json:"violations"`
	} `json:"result"`
}

// Evaluate posts input to the policy engine's data API and classifies
// the outcome. It never returns a Go error — every failure mode is
// folded into Decision.Failure so callers have one place to branch on.
func (c *Client) Evaluate(ctx context.Context, input interface{}) Decision {
	body, err := json.Marshal(evaluateRequest{Input: input})
	if err != nil {
		return Decision{Failure: FailureBadResponse}
	}

	url := c.baseURL + "/v1/data/casf"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Decision{Failure: FailureUnavailable}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return Decision{Failure: FailureTimeout}
		}
		return Decision{Failure: FailureUnavailable}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Decision{Failure: FailureBadResponse}
	}

	if httpResp.StatusCode != http.StatusOK {
		return Decision{Failure: FailureBadStatus}
	}

	var parsed evaluateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Decision{Failure: FailureBadResponse}
	}

	return Decision{
		Allow:      parsed.Result.Allow,
		Violations: toStringSlice(parsed.Result.Violations),
	}
}

// HealthCheck posts a minimal probe document to the policy engine's data
// API and reports whether it responded with a non-error HTTP status.
// Used by the readiness check, not by the decision pipeline itself.
func (c *Client) HealthCheck(ctx context.Context) error {
	body, err := json.Marshal(evaluateRequest{Input: map[string]string{"tool": "healthcheck"}})
	if err != nil {
		return err
	}

	url := c.baseURL + "/v1/data/casf/allow"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("policy engine health check returned status %d", httpResp.StatusCode)
	}
	return nil
}

func toStringSlice(v interface{}) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, e := range val {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", val)}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}
