package queue

import (
	"math/rand"
	"time"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 5 * time.Minute
)

// Backoff returns the delay before retry attempt n, where n counts completed
// attempts starting at 1. Exponential growth capped at five minutes, with
// full jitter so a burst of simultaneous failures does not re-collide on
// the retry.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := backoffCap
	if attempt < 10 {
		if d := backoffBase << (attempt - 1); d < ceiling {
			ceiling = d
		}
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}
