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
	"fmt"
	"net/http"
)

var (
	// ErrHTTPStatus wraps every non-2xx response.
	ErrHTTPStatus = errors.New("unexpected http status")

	// ErrRejected wraps 2xx responses whose envelope says success=false.
	ErrRejected = errors.New("request rejected by backend")

	// ErrBadEnvelope wraps responses that are not a valid envelope.
	ErrBadEnvelope = errors.New("malformed response envelope")
)

// APIError describes one failed backend call.
type APIError struct {
	// Method and Path identify the call.
	Method string
	Path   string

	// Status is the HTTP status, 0 when no response arrived.
	Status int

	// Message is the backend's message, or a generic one.
	Message string

	// RequestID is the X-Request-ID sent with the call.
	RequestID string

	cause error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Message)
}

func (e *APIError) Unwrap() error { return e.cause }

// Temporary reports whether the failure reflects backend health rather
// than a rejected request. Only temporary errors trip the breaker.
func (e *APIError) Temporary() bool {
	switch {
	case e.Status == 0:
		return !errors.Is(e.cause, context.Canceled)
	case e.Status == http.StatusTooManyRequests:
		return true
	default:
		return e.Status >= 500
	}
}

// countable is the CircuitBreaker filter for client calls.
func countable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return !errors.Is(err, context.Canceled)
}

// Message extracts a plain, user-facing message from err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "backend unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	default:
		return err.Error()
	}
}
