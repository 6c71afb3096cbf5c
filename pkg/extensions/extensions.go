// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the operator identity and audit hooks of the
// opsync dashboard.
//
// A single-controller deployment runs with the no-op defaults: every
// caller is the local operator and nothing is recorded. Control rooms
// that share a dashboard plug in a token provider, role checks and an
// audit trail through ServiceOptions.
//
// # Extension Categories
//
//   - auth.go: operator authentication and authorization (AuthProvider, AuthzProvider)
//   - audit.go: command audit trail (AuditLogger)
//
// # Usage
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(extensions.NewStaticTokenProvider(operators)).
//	    WithAuthz(extensions.NewRoleAuthz(nil)).
//	    WithAudit(extensions.NewMemoryAuditLogger(500, nil))
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups the extension points. Nil fields are replaced with
// no-op defaults by Normalize.
type ServiceOptions struct {
	// AuthProvider identifies the caller.
	// Default: NopAuthProvider (always the local operator)
	AuthProvider AuthProvider

	// AuthzProvider decides whether the caller may run an action.
	// Default: NopAuthzProvider (allows everything)
	AuthzProvider AuthzProvider

	// AuditLogger records every command.
	// Default: NopAuditLogger (discards events)
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with no-op defaults.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
		AuditLogger:   &NopAuditLogger{},
	}
}

// Normalize fills nil fields with the no-op defaults.
func (opts ServiceOptions) Normalize() ServiceOptions {
	def := DefaultOptions()
	if opts.AuthProvider == nil {
		opts.AuthProvider = def.AuthProvider
	}
	if opts.AuthzProvider == nil {
		opts.AuthzProvider = def.AuthzProvider
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = def.AuditLogger
	}
	return opts
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy of opts with the given AuthzProvider.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
