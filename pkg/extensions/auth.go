// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrUnauthorized means the caller could not be identified.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the caller is known but may not run the action.
	ErrForbidden = errors.New("forbidden")
)

// Operator roles.
const (
	// RoleViewer may read the board only.
	RoleViewer = "viewer"

	// RoleController may board, report incidents, deploy standby and
	// drive the session.
	RoleController = "controller"

	// RoleSupervisor may also change the auto-deploy policy.
	RoleSupervisor = "supervisor"

	// RoleAdmin passes every check.
	RoleAdmin = "admin"
)

// LocalOperatorID is the identity NopAuthProvider returns.
const LocalOperatorID = "local-operator"

// AuthInfo is an authenticated operator.
type AuthInfo struct {
	// OperatorID identifies the operator. Never empty.
	OperatorID string

	// Name is the display name. May be empty.
	Name string

	Roles []string
}

// HasRole reports whether the operator holds role, or is an admin.
func (a *AuthInfo) HasRole(role string) bool {
	if a == nil {
		return false
	}
	return slices.Contains(a.Roles, role) || slices.Contains(a.Roles, RoleAdmin)
}

// AuthProvider validates a bearer token and returns the operator.
//
// # Outputs
//
//   - *AuthInfo: The operator, when token is valid.
//   - error: ErrUnauthorized (or wrapped) for unknown tokens.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest asks whether User may perform Action on a resource.
type AuthzRequest struct {
	User         *AuthInfo
	Action       string
	ResourceType string
	ResourceID   string
}

// AuthzProvider decides AuthzRequests. nil means allowed; denials wrap
// ErrForbidden.
type AuthzProvider interface {
	Authorize(ctx context.Context, req AuthzRequest) error
}

// =============================================================================
// No-op defaults
// =============================================================================

// NopAuthProvider accepts any token as the local operator with admin
// rights.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{OperatorID: LocalOperatorID, Roles: []string{RoleAdmin}}, nil
}

// NopAuthzProvider allows every action.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// =============================================================================
// Static tokens
// =============================================================================

// Operator is one configured dashboard credential.
type Operator struct {
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name,omitempty"`
	Token string   `yaml:"token"`
	Roles []string `yaml:"roles"`
}

// StaticTokenProvider authenticates against a fixed operator list.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type StaticTokenProvider struct {
	operators []Operator
}

// NewStaticTokenProvider copies ops. Entries with an empty token are
// skipped so they can never match.
func NewStaticTokenProvider(ops []Operator) *StaticTokenProvider {
	p := &StaticTokenProvider{}
	for _, op := range ops {
		if op.Token == "" || op.ID == "" {
			continue
		}
		op.Roles = slices.Clone(op.Roles)
		p.operators = append(p.operators, op)
	}
	return p
}

// Validate compares token against every operator in constant time.
func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	var match *Operator
	for i := range p.operators {
		if subtle.ConstantTimeCompare([]byte(p.operators[i].Token), []byte(token)) == 1 {
			match = &p.operators[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: unknown token", ErrUnauthorized)
	}
	return &AuthInfo{OperatorID: match.ID, Name: match.Name, Roles: slices.Clone(match.Roles)}, nil
}

// =============================================================================
// Role checks
// =============================================================================

// DefaultActionRoles maps dashboard actions to the role they need.
// Actions not listed need RoleController.
var DefaultActionRoles = map[string]string{
	"read":          RoleViewer,
	"update_policy": RoleSupervisor,
	"audit":         RoleSupervisor,
}

// RoleAuthz grants an action when the operator holds its mapped role.
type RoleAuthz struct {
	roles map[string]string
}

// NewRoleAuthz uses roles, or DefaultActionRoles when roles is nil.
func NewRoleAuthz(roles map[string]string) *RoleAuthz {
	if roles == nil {
		roles = DefaultActionRoles
	}
	return &RoleAuthz{roles: roles}
}

// Authorize checks req.User against the role for req.Action.
func (a *RoleAuthz) Authorize(_ context.Context, req AuthzRequest) error {
	need, ok := a.roles[req.Action]
	if !ok {
		need = RoleController
	}
	// Supervisors can do everything controllers can, controllers
	// everything viewers can.
	var allowed bool
	switch need {
	case RoleViewer:
		allowed = req.User.HasRole(RoleViewer) || req.User.HasRole(RoleController) || req.User.HasRole(RoleSupervisor)
	case RoleController:
		allowed = req.User.HasRole(RoleController) || req.User.HasRole(RoleSupervisor)
	default:
		allowed = req.User.HasRole(need)
	}
	if !allowed {
		id := "<anonymous>"
		if req.User != nil {
			id = req.User.OperatorID
		}
		return fmt.Errorf("%w: %s may not %s (needs %s)", ErrForbidden, id, req.Action, need)
	}
	return nil
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthProvider  = (*StaticTokenProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
	_ AuthzProvider = (*RoleAuthz)(nil)
)
