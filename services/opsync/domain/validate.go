// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package domain

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// domainValidate is shared by every Validate method. validator.Validate
// caches struct metadata and is safe for concurrent use.
var domainValidate *validator.Validate

func init() {
	domainValidate = validator.New(validator.WithRequiredStructEnabled())
	domainValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
}

// Validate checks struct tags on any domain value (or slice element).
//
// # Outputs
//
//   - error: nil when valid, otherwise a *ValidationError listing the
//     failing fields by their JSON names.
func Validate(v any) error {
	if err := domainValidate.Struct(v); err != nil {
		return newValidationError(err)
	}
	return nil
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields []string
	cause  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid fields: %s", strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error { return e.cause }

func newValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
	}
	return &ValidationError{Fields: fields, cause: err}
}

func (d ServiceDeparture) Validate() error { return Validate(d) }
func (i Incident) Validate() error { return Validate(i) }
func (r IncidentReport) Validate() error { return Validate(r) }
func (s StandbyTrain) Validate() error { return Validate(s) }
func (s StandbyDeployment) Validate() error { return Validate(s) }
func (r DeployRequest) Validate() error { return Validate(r) }
func (s OperationsSnapshot) Validate() error { return Validate(s) }
func (p AutoDeployPolicy) Validate() error { return Validate(p) }
