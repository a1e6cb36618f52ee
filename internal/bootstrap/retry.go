package bootstrap

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxRetryAfter caps how long an upstream Retry-After hint can hold a
// credential request.
const maxRetryAfter = 30 * time.Second

// retryPacer spaces upstream session retries: base doubling per attempt
// with ±25% jitter, capped at max. A longer Retry-After hint from the
// upstream replaces the computed delay.
type retryPacer struct {
	base   time.Duration
	max    time.Duration
	jitter func() float64
}

func newRetryPacer(base, max time.Duration) retryPacer {
	return retryPacer{base: base, max: max, jitter: rand.Float64}
}

// delay returns the wait before retry number attempt (1-based).
func (p retryPacer) delay(attempt int, hint time.Duration) time.Duration {
	d := p.base
	for i := 1; i < attempt && d < p.max; i++ {
		d *= 2
	}
	if d > p.max {
		d = p.max
	}
	if p.jitter != nil {
		d += time.Duration(float64(d) * 0.25 * (2*p.jitter() - 1))
	}
	if d < p.base {
		d = p.base
	}
	if d > p.max {
		d = p.max
	}

	if hint > maxRetryAfter {
		hint = maxRetryAfter
	}
	if hint > d {
		return hint
	}
	return d
}

// retryAfter reads a Retry-After header given as delta-seconds or an HTTP
// date. Missing, malformed or past values yield zero.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
