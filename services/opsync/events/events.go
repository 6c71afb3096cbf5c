// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events decodes push-channel frames into typed operations events
// and routes them to handlers.
//
// # Wire Format
//
// Every inbound frame is a JSON object:
//
//	{"type": "departure_update", "data": {...}, "timestamp": "2025-03-01T08:05:00Z"}
//
// The declared type selects the payload schema. Decode rejects payloads
// that do not satisfy the schema of their declared kind instead of
// trusting the server's label.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"

	"github.com/gks281263/KMRL-sub001/services/opsync/domain"
)

// Kind is the declared type of a frame.
type Kind string

const (
	KindDepartureUpdate Kind = "departure_update"
	KindIncidentCreated Kind = "incident_created"
	KindIncidentUpdated Kind = "incident_updated"
	KindStandbyDeployed Kind = "standby_deployed"
	KindSystemStatus    Kind = "system_status"
	KindPing            Kind = "ping"
	KindPong            Kind = "pong"
)

var (
	// ErrMalformedFrame means the bytes are not a valid frame envelope.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownKind means the frame declared a type this client does not handle.
	ErrUnknownKind = errors.New("unknown event kind")

	// ErrInvalidPayload means data did not match the declared kind's schema.
	ErrInvalidPayload = errors.New("payload does not match declared kind")
)

// DecodeError carries the declared kind of a frame that failed to decode.
type DecodeError struct {
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Kind == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Frame is the push-channel envelope.
type Frame struct {
	Type      Kind            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Event is one decoded push event. The concrete type is one of
// DepartureUpdated, IncidentCreated, IncidentUpdated, StandbyDeployed,
// SystemStatusChanged, or Pong.
type Event interface {
	Kind() Kind
	OccurredAt() time.Time
}

type header struct {
	At time.Time
}

func (h header) OccurredAt() time.Time { return h.At }

type DepartureUpdated struct {
	header
	Departure domain.ServiceDeparture
}

type IncidentCreated struct {
	header
	Incident domain.Incident
}

type IncidentUpdated struct {
	header
	Incident domain.Incident
}

type StandbyDeployed struct {
	header
	Deployment domain.StandbyDeployment
}

type SystemStatusChanged struct {
	header
	Snapshot domain.OperationsSnapshot
}

// Pong acknowledges a heartbeat ping. It carries no state.
type Pong struct {
	header
}

func (DepartureUpdated) Kind() Kind    { return KindDepartureUpdate }
func (IncidentCreated) Kind() Kind     { return KindIncidentCreated }
func (IncidentUpdated) Kind() Kind     { return KindIncidentUpdated }
func (StandbyDeployed) Kind() Kind     { return KindStandbyDeployed }
func (SystemStatusChanged) Kind() Kind { return KindSystemStatus }
func (Pong) Kind() Kind                { return KindPong }

// Decode parses raw into a typed Event.
//
// # Description
//
// Unmarshals the envelope, parses its ISO-8601 timestamp, then decodes
// data into the schema of the declared kind and validates it. Departure
// payloads are normalized so variance and actual departure stay paired.
//
// # Outputs
//
//   - Event: The decoded event.
//   - error: A *DecodeError wrapping ErrMalformedFrame, ErrUnknownKind,
//     or ErrInvalidPayload.
func Decode(raw []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)}
	}
	if f.Type == "" {
		return nil, &DecodeError{Err: fmt.Errorf("%w: missing type", ErrMalformedFrame)}
	}

	at, err := parseTimestamp(f.Timestamp)
	if err != nil {
		return nil, &DecodeError{Kind: f.Type, Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)}
	}
	h := header{At: at}

	switch f.Type {
	case KindDepartureUpdate:
		var d domain.ServiceDeparture
		if err := decodePayload(f, &d); err != nil {
			return nil, err
		}
		return DepartureUpdated{header: h, Departure: domain.NormalizeDeparture(d)}, nil
	case KindIncidentCreated:
		var i domain.Incident
		if err := decodePayload(f, &i); err != nil {
			return nil, err
		}
		return IncidentCreated{header: h, Incident: i}, nil
	case KindIncidentUpdated:
		var i domain.Incident
		if err := decodePayload(f, &i); err != nil {
			return nil, err
		}
		return IncidentUpdated{header: h, Incident: i}, nil
	case KindStandbyDeployed:
		var d domain.StandbyDeployment
		if err := decodePayload(f, &d); err != nil {
			return nil, err
		}
		return StandbyDeployed{header: h, Deployment: d}, nil
	case KindSystemStatus:
		var s domain.OperationsSnapshot
		if err := decodePayload(f, &s); err != nil {
			return nil, err
		}
		return SystemStatusChanged{header: h, Snapshot: s}, nil
	case KindPong:
		return Pong{header: h}, nil
	default:
		return nil, &DecodeError{Kind: f.Type, Err: ErrUnknownKind}
	}
}

func decodePayload(f Frame, dst any) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return &DecodeError{Kind: f.Type, Err: fmt.Errorf("%w: missing data", ErrInvalidPayload)}
	}
	if err := json.Unmarshal(f.Data, dst); err != nil {
		return &DecodeError{Kind: f.Type, Err: fmt.Errorf("%w: %v", ErrInvalidPayload, err)}
	}
	if err := domain.Validate(dst); err != nil {
		return &DecodeError{Kind: f.Type, Err: fmt.Errorf("%w: %v", ErrInvalidPayload, err)}
	}
	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	dt, err := strfmt.ParseDateTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return time.Time(dt).UTC(), nil
}

// NewPing builds the outbound heartbeat frame.
func NewPing(at time.Time) Frame {
	return Frame{Type: KindPing, Timestamp: strfmt.DateTime(at.UTC()).String()}
}
