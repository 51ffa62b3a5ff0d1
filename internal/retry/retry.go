// Package retry provides the capped exponential backoff used when the
// rendezvous connection drops.
package retry

import (
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

const (
	// DefaultBaseDelay is the first reconnect delay.
	DefaultBaseDelay = 250 * time.Millisecond

	// DefaultMaxDelay caps the reconnect delay.
	DefaultMaxDelay = 10 * time.Second

	// DefaultJitter is the jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// Policy is a backoff configuration.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
}

// DefaultPolicy returns the default reconnect policy.
func DefaultPolicy() Policy {
	return Policy{BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay, Jitter: DefaultJitter}
}

// Delay returns the delay before retry number attempt (starting at 0).
func (p Policy) Delay(attempt int) time.Duration {
	return Delay(p.BaseDelay, p.MaxDelay, p.Jitter, attempt)
}

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if jitter > 0 {
		delay *= 1 - jitter + rand.Float64()*2*jitter
	}
	return time.Duration(delay)
}

// IsTransientError reports whether err looks like a dropped or refused
// connection that is worth redialing.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"no route to host",
		"network is unreachable",
		"broken pipe",
		"connection closed",
	} {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}
	return false
}
