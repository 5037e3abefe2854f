// Package verify adapts an external anti-abuse verifier into an admit/deny
// decision. It is the only place network calls to the verifier occur.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Result is the verifier's answer for one token.
type Result struct {
	Passed bool    `json:"passed"`
	Score  float64 `json:"score"`
}

// Gate converts a client-supplied verification token into pass/fail.
type Gate interface {
	Verify(ctx context.Context, token string) (Result, error)
}

// ErrVerifierUnavailable indicates the external verifier could not be reached
// in time. Callers must treat it as a deny; inventory is never blocked on an
// unanswered verification.
var ErrVerifierUnavailable = errors.New("verifier unavailable")

// DefaultThreshold is the pass mark applied when no threshold is configured.
// The threshold is policy, not a constant: it is expected to be tuned per
// deployment through configuration.
const DefaultThreshold = 0.5

// HTTPGate calls a CAPTCHA-style scoring endpoint. The protocol mirrors the
// common siteverify shape: form-encoded secret+response in, JSON
// {success, score} out.
type HTTPGate struct {
	endpoint  string
	secret    string
	threshold float64
	client    *http.Client
}

// Option configures HTTPGate.
type Option func(*HTTPGate)

// WithThreshold overrides the pass mark.
func WithThreshold(t float64) Option {
	return func(g *HTTPGate) {
		if t > 0 {
			g.threshold = t
		}
	}
}

// WithTimeout bounds the external call.
func WithTimeout(d time.Duration) Option {
	return func(g *HTTPGate) {
		if d > 0 {
			g.client.Timeout = d
		}
	}
}

// WithHTTPClient substitutes the transport, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(g *HTTPGate) {
		if c != nil {
			g.client = c
		}
	}
}

// NewHTTPGate creates a gate calling the given siteverify endpoint.
func NewHTTPGate(endpoint, secret string, opts ...Option) *HTTPGate {
	g := &HTTPGate{
		endpoint:  endpoint,
		secret:    secret,
		threshold: DefaultThreshold,
		client:    &http.Client{Timeout: 3 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type siteverifyResponse struct {
	Success bool    `json:"success"`
	Score   float64 `json:"score"`
}

func (g *HTTPGate) Verify(ctx context.Context, token string) (Result, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Result{}, nil
	}

	form := url.Values{}
	form.Set("secret", g.secret)
	form.Set("response", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: status %d", ErrVerifierUnavailable, resp.StatusCode)
	}

	var payload siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Result{}, fmt.Errorf("%w: decode: %v", ErrVerifierUnavailable, err)
	}

	return Result{
		Passed: payload.Success && payload.Score >= g.threshold,
		Score:  payload.Score,
	}, nil
}

// StaticGate answers every verification with a fixed result. Used in tests
// and in deployments that disable external verification.
type StaticGate struct {
	Result Result
	Err    error
}

func (g StaticGate) Verify(ctx context.Context, token string) (Result, error) {
	return g.Result, g.Err
}
