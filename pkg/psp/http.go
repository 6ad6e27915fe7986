package psp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/aigentsy/dealcore/pkg/money"
)

// HTTPGateway is a Gateway over the provider's REST API. Every call is
// rate-limited and carries a bounded timeout plus an Idempotency-Key
// header, so a retried request settles to the same provider-side action.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

// HTTPOption configures an HTTPGateway.
type HTTPOption func(*HTTPGateway)

// WithTimeout bounds each outbound call. Default 15s.
func WithTimeout(d time.Duration) HTTPOption {
	return func(g *HTTPGateway) { g.timeout = d }
}

// WithRateLimit caps outbound requests per second. Default 25 rps, burst 50.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(g *HTTPGateway) { g.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithHTTPClient swaps the underlying client, e.g. for tests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(g *HTTPGateway) { g.client = c }
}

// NewHTTPGateway creates a gateway against the given provider base URL.
func NewHTTPGateway(baseURL, apiKey string, opts ...HTTPOption) *HTTPGateway {
	g := &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: newRetryTransport(nil),
		},
		limiter: rate.NewLimiter(rate.Limit(25), 50),
		timeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type authorizeRequest struct {
	IntentID    string `json:"intent_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	CaptureMode string `json:"capture_mode"`
}

type authorizeResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

type amountRequest struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

func (g *HTTPGateway) Authorize(ctx context.Context, intentID string, amount money.Money) (string, error) {
	var out authorizeResponse
	err := g.post(ctx, "/v1/payments/authorize", "auth:"+intentID, authorizeRequest{
		IntentID:    intentID,
		AmountMinor: amount.AmountMinor,
		Currency:    amount.Currency,
		CaptureMode: "manual",
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Reference == "" {
		return "", fmt.Errorf("psp: authorize returned no reference")
	}
	return out.Reference, nil
}

func (g *HTTPGateway) Capture(ctx context.Context, reference string, amount money.Money) error {
	path := fmt.Sprintf("/v1/payments/%s/capture", reference)
	return g.post(ctx, path, "capture:"+reference, amountRequest{
		AmountMinor: amount.AmountMinor,
		Currency:    amount.Currency,
	}, nil)
}

func (g *HTTPGateway) Void(ctx context.Context, reference string) error {
	path := fmt.Sprintf("/v1/payments/%s/void", reference)
	return g.post(ctx, path, "void:"+reference, struct{}{}, nil)
}

func (g *HTTPGateway) Refund(ctx context.Context, reference string, amount money.Money) error {
	path := fmt.Sprintf("/v1/payments/%s/refund", reference)
	return g.post(ctx, path, "refund:"+reference, amountRequest{
		AmountMinor: amount.AmountMinor,
		Currency:    amount.Currency,
	}, nil)
}

func (g *HTTPGateway) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("psp: rate limit wait: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("psp: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("psp: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")
	// Deterministic per action: the provider collapses retries server-side.
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("psp: %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("psp: decode response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrGatewayDeclined, readError(resp.Body))
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownReference, path)
	default:
		return fmt.Errorf("psp: %s returned %d: %s", path, resp.StatusCode, readError(resp.Body))
	}
}

func readError(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no body"
	}
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(raw)
}
