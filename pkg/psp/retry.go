package psp

import (
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the provider has failed enough times in a
// row that outbound calls are suspended until the cooldown elapses.
var ErrCircuitOpen = errors.New("psp: circuit open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker trips after threshold consecutive failures and lets a single
// probe through once the cooldown has passed.
type breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	openedAt  time.Time
	cooldown  time.Duration
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerOpen {
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.state = breakerHalfOpen
	}
	return true
}

func (b *breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ok {
		b.state = breakerClosed
		b.failures = 0
		return
	}
	b.failures++
	b.openedAt = time.Now()
	if b.failures >= b.threshold {
		b.state = breakerOpen
	}
}

// retryTransport retries transport errors and 5xx responses with
// exponential backoff plus jitter. Safe for the gateway's calls because
// every request carries an Idempotency-Key the provider collapses on.
type retryTransport struct {
	base        http.RoundTripper
	maxAttempts int
	baseDelay   time.Duration
	breaker     *breaker
}

func newRetryTransport(base http.RoundTripper) *retryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &retryTransport{
		base:        base,
		maxAttempts: 4,
		baseDelay:   100 * time.Millisecond,
		breaker:     newBreaker(5, 10*time.Second),
	}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.breaker.allow() {
		return nil, ErrCircuitOpen
	}

	var resp *http.Response
	var err error
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, bodyErr := req.GetBody()
				if bodyErr != nil {
					break
				}
				req.Body = body
			}
			select {
			case <-req.Context().Done():
				t.breaker.record(false)
				return nil, req.Context().Err()
			case <-time.After(t.backoff(attempt)):
			}
		}

		resp, err = t.base.RoundTrip(req)
		if err == nil && resp.StatusCode < 500 {
			t.breaker.record(true)
			return resp, nil
		}
		if resp != nil {
			_ = resp.Body.Close()
			resp = nil
		}
	}

	t.breaker.record(false)
	if err == nil {
		err = errors.New("psp: provider unavailable after retries")
	}
	return nil, err
}

func (t *retryTransport) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * t.baseDelay
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	return d
}
