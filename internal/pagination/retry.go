package pagination

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/venue-crawler/internal/extract"
)

// RetryPolicy grants a page extra attempts after a fetch error. The zero
// value never retries.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// NewRetryPolicy builds a policy with the usual backoff bounds.
func NewRetryPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// ShouldRetry reports whether a page that ended in kind after retries
// previous retries deserves another attempt. Only fetch errors are retried.
func (p RetryPolicy) ShouldRetry(kind extract.Kind, retries int) bool {
	return kind == extract.KindFetchError && retries < p.MaxRetries
}

// Backoff returns the wait before retry number attempt (0-based): half the
// exponential delay plus up to half again of jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		return 0
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
