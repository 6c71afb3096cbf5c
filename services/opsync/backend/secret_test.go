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
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretToken_Bearer(t *testing.T) {
	tok := NewSecretToken("abc123")
	require.NotNil(t, tok)

	for i := 0; i < 2; i++ {
		b, err := tok.Bearer()
		require.NoError(t, err)
		assert.Equal(t, "Bearer abc123", b, "token survives repeated opens")
	}
}

func TestSecretToken_EmptyIsNil(t *testing.T) {
	tok := NewSecretToken("")
	assert.Nil(t, tok)
	b, err := tok.Bearer()
	assert.NoError(t, err)
	assert.Empty(t, b)
	tok.Destroy()
}

func TestSecretToken_Destroy(t *testing.T) {
	tok := NewSecretToken("abc123")
	tok.Destroy()
	_, err := tok.Bearer()
	assert.ErrorIs(t, err, ErrTokenDestroyed)
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "", Message(nil))
	assert.Equal(t, "backend unavailable", Message(ErrCircuitOpen))
	assert.Equal(t, "request cancelled", Message(context.Canceled))
	assert.Equal(t, "boom", Message(errors.New("boom")))
	assert.Equal(t, "nope", Message(&APIError{Message: "nope"}))
}

func TestAPIError_Temporary(t *testing.T) {
	assert.True(t, (&APIError{Status: 503}).Temporary())
	assert.True(t, (&APIError{Status: 429}).Temporary())
	assert.False(t, (&APIError{Status: 404}).Temporary())
	assert.True(t, (&APIError{cause: errors.New("connection refused")}).Temporary())
	assert.False(t, (&APIError{cause: context.Canceled}).Temporary())
}
