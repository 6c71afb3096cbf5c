// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
)

// MinMlockLimitKB is the smallest RLIMIT_MEMLOCK under which the token
// is kept in locked memory.
const MinMlockLimitKB = 64

// ErrTokenDestroyed is returned after Destroy.
var ErrTokenDestroyed = errors.New("api token destroyed")

var (
	memguardInitOnce sync.Once
	mlockSufficient  bool
)

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		var limitKB int64
		mlockSufficient, limitKB = checkMlockLimit()
		if !mlockSufficient {
			slog.Warn("mlock limit too low, api token kept in regular memory",
				"current_limit_kb", limitKB,
				"required_kb", MinMlockLimitKB,
			)
		}
	})
}

// SecretToken holds the backend bearer token encrypted in memory.
//
// # Description
//
// The token lives in a memguard Enclave and is decrypted into a locked
// buffer only while the Authorization header is built. When the process
// cannot lock memory the token is held in a plain byte slice instead and
// a warning is logged once.
//
// # Thread Safety
//
// Safe for concurrent use.
type SecretToken struct {
	mu      sync.RWMutex
	enclave *memguard.Enclave
	plain   []byte
	gone    bool
}

// NewSecretToken seals token. An empty token returns nil, which the
// client treats as "no Authorization header".
func NewSecretToken(token string) *SecretToken {
	if token == "" {
		return nil
	}
	initMemguard()
	b := []byte(token)
	if !mlockSufficient {
		return &SecretToken{plain: b}
	}
	// NewEnclave wipes b.
	return &SecretToken{enclave: memguard.NewEnclave(b)}
}

// Bearer returns the Authorization header value.
func (t *SecretToken) Bearer() (string, error) {
	if t == nil {
		return "", nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.gone {
		return "", ErrTokenDestroyed
	}
	if t.enclave == nil {
		return "Bearer " + string(t.plain), nil
	}
	buf, err := t.enclave.Open()
	if err != nil {
		return "", err
	}
	defer buf.Destroy()
	return "Bearer " + buf.String(), nil
}

// Destroy wipes the token. Later Bearer calls fail.
func (t *SecretToken) Destroy() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.plain != nil {
		memguard.WipeBytes(t.plain)
		t.plain = nil
	}
	t.enclave = nil
	t.gone = true
}
