package httputil

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a [http.RoundTripper] that throttles requests before
// handing them to the next transport. Crawler fetches go through it so a
// run never hammers an upstream mirror.
type RateLimiter struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

var _ http.RoundTripper = (*RateLimiter)(nil)

// NewRateLimiter wraps next, allowing one request per interval with a
// burst of one. A nil next uses [http.DefaultTransport].
func NewRateLimiter(next http.RoundTripper, interval time.Duration) *RateLimiter {
	if next == nil {
		next = http.DefaultTransport
	}
	return &RateLimiter{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// RoundTrip implements http.RoundTripper.
func (r *RateLimiter) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := r.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return r.next.RoundTrip(req)
}
