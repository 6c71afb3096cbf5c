// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import "time"

// BackoffPolicy bounds reconnection.
type BackoffPolicy struct {
	// InitialDelay is the delay before the first reconnect. Default: 1s.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps every delay. Default: 30s.
	MaxDelay time.Duration `yaml:"max_delay"`

	// MaxAttempts is the number of consecutive unclean closes after which
	// the channel gives up. Default: 5.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultBackoffPolicy returns 1s initial, 30s cap, 5 attempts.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{InitialDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 5}
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	d := DefaultBackoffPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// Backoff is the reconnect state: the number of consecutive unclean
// closes since the last successful open. It is a value; transitions
// return a new Backoff and never modify the receiver.
type Backoff struct {
	Attempt int
}

// Next records one more unclean close.
//
// # Outputs
//
//   - Backoff: The advanced state.
//   - time.Duration: InitialDelay * 2^(attempt-1), capped at MaxDelay.
//   - bool: False once the advanced attempt count reaches MaxAttempts;
//     the caller must stop retrying.
//
// # Example
//
//	b := Backoff{}
//	b, d, ok := b.Next(DefaultBackoffPolicy()) // d == 1s, ok == true
//	b, d, ok = b.Next(DefaultBackoffPolicy())  // d == 2s, ok == true
func (b Backoff) Next(p BackoffPolicy) (Backoff, time.Duration, bool) {
	p = p.withDefaults()
	next := Backoff{Attempt: b.Attempt + 1}
	if next.Attempt >= p.MaxAttempts {
		return next, 0, false
	}
	return next, next.Delay(p), true
}

// Delay is the wait before reconnect number b.Attempt.
func (b Backoff) Delay(p BackoffPolicy) time.Duration {
	p = p.withDefaults()
	if b.Attempt <= 0 {
		return 0
	}
	d := p.InitialDelay
	for i := 1; i < b.Attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Reset returns the initial state, used after a successful open.
func (Backoff) Reset() Backoff {
	return Backoff{}
}
