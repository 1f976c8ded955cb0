package infra

import (
	"time"
)

const (
	backoffBase = 1 * time.Second
	backoffMax  = 60 * time.Second
)

// CalculateBackoff returns the reconnect delay for a given retry count:
// backoffBase * 2^retryCount, capped at backoffMax.
func CalculateBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		return backoffBase
	}
	// 2^31 seconds is far past the cap already.
	if retryCount > 30 {
		return backoffMax
	}

	delay := backoffBase * time.Duration(1<<retryCount)
	if delay > backoffMax {
		return backoffMax
	}
	return delay
}
