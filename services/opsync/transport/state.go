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

import (
	"fmt"
	"net/url"
	"path"
)

// State is the push channel lifecycle state.
//
//	Disconnected --Connect--> Connecting --open--> Connected
//	Connected --clean close--> Disconnected
//	Connected|Connecting --unclean close, attempts<max--> Reconnecting --delay--> Connecting
//	Connected|Connecting --unclean close, attempts==max--> Exhausted
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// active reports whether Connect should be a no-op in this state.
func (s State) active() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}

// Endpoint builds the push channel URL from the backend base URL,
// upgrading http to ws and https to wss.
//
// # Example
//
//	Endpoint("https://ops.example.com/api", "/ws/operations")
//	// "wss://ops.example.com/api/ws/operations"
func Endpoint(base, p string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", base)
	}
	u.Path = path.Join("/", u.Path, p)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
