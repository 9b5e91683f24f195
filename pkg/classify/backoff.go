package classify

import (
	"math/rand"
	"time"
)

const (
	backoffBase = 60 * time.Second
	backoffMax  = 3600 * time.Second
)

// Backoff returns the delay before retry number retryCount:
// min(60s * 2^retryCount, 3600s) scaled by a uniform jitter factor in
// [0.9, 1.1]. The jitter keeps a burst of same-tenant failures from
// re-converging on one retry instant.
func Backoff(retryCount int) time.Duration {
	base := backoffBase
	// Shift with an exponent cap so the multiplication cannot overflow.
	if retryCount > 0 {
		shift := retryCount
		if shift > 20 {
			shift = 20
		}
		base = backoffBase << shift
	}
	if base > backoffMax {
		base = backoffMax
	}

	jitter := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(base) * jitter)
}
