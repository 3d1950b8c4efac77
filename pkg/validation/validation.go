// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package validation carries structured request validation failures.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their json tag spelling, the name clients sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Error reports validation failures keyed by field name. It commits no
// state: an operation returning Error has changed nothing.
type Error struct {
	Fields map[string][]string `json:"fields"`
}

var _ error = (*Error)(nil)

// New creates an Error with a single field failure.
func New(field, message string) *Error {
	e := &Error{Fields: make(map[string][]string)}
	return e.Add(field, message)
}

// Add appends a failure message for a field and returns the Error for
// chaining.
func (e *Error) Add(field, message string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], message)
	return e
}

// Error renders failures in deterministic field order.
func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}

	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var b strings.Builder
	b.WriteString("validation failed: ")
	for i, f := range fields {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(f)
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Fields[f], ", "))
	}
	return b.String()
}

// Struct validates a tagged struct and converts validator failures into
// an *Error. Returns nil when the struct is valid.
func Struct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		// InvalidValidationError and friends: not a field failure.
		return err
	}

	e := &Error{Fields: make(map[string][]string, len(verrs))}
	for _, fe := range verrs {
		e.Add(fe.Field(), failureMessage(fe))
	}
	return e
}

func failureMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be %s or more", fe.Param())
	default:
		return fmt.Sprintf("failed on the %q rule", fe.Tag())
	}
}
