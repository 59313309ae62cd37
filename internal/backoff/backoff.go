// Package backoff computes retry delays for failed jobs.
package backoff

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	DefaultDelay      = 5 * time.Second
	DefaultMultiplier = 2.0
	DefaultMaxDelay   = time.Hour
)

// Strategy maps a 1-based retry number to the delay before that retry.
type Strategy interface {
	Delay(retry int) time.Duration
}

// Exponential waits Base*Multiplier^(retry-1), capped at Max. A zero Max
// leaves the delay uncapped.
type Exponential struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultExponential is 5s doubling per retry up to one hour.
func DefaultExponential() Exponential {
	return Exponential{Base: DefaultDelay, Multiplier: DefaultMultiplier, Max: DefaultMaxDelay}
}

func (e Exponential) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if e.Base <= 0 {
		return 0
	}
	mult := math.Max(e.Multiplier, 1)
	limit := e.Max
	if limit <= 0 {
		limit = math.MaxInt64
	}
	d := float64(e.Base) * math.Pow(mult, float64(retry-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// Fixed waits the same delay before every retry.
type Fixed struct {
	Wait time.Duration
}

func (f Fixed) Delay(int) time.Duration {
	if f.Wait < 0 {
		return 0
	}
	return f.Wait
}

// New builds a strategy by name: "exponential" (default) or "fixed". A zero
// delay retries immediately and a zero maxDelay disables the cap.
func New(kind string, delay time.Duration, multiplier float64, maxDelay time.Duration) (Strategy, error) {
	if delay < 0 {
		return nil, fmt.Errorf("backoff delay must be >= 0, got %s", delay)
	}
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "exponential":
		if multiplier < 1 || math.IsNaN(multiplier) || math.IsInf(multiplier, 0) {
			return nil, fmt.Errorf("backoff multiplier must be a finite number >= 1, got %v", multiplier)
		}
		if maxDelay < 0 {
			return nil, fmt.Errorf("backoff max delay must be >= 0, got %s", maxDelay)
		}
		return Exponential{Base: delay, Multiplier: multiplier, Max: maxDelay}, nil
	case "fixed":
		return Fixed{Wait: delay}, nil
	default:
		return nil, fmt.Errorf("unknown backoff type %q", kind)
	}
}
