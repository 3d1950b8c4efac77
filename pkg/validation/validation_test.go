// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name    string `json:"name" validate:"required"`
	Runtime string `json:"runtime" validate:"required,oneof=python dotnet exec"`
	Retries int    `json:"retries" validate:"gte=0,max=10"`
}

func TestStruct_Valid(t *testing.T) {
	err := Struct(sample{Name: "fn", Runtime: "python", Retries: 3})
	assert.NoError(t, err)
}

func TestStruct_FieldFailures(t *testing.T) {
	err := Struct(sample{Runtime: "ruby", Retries: 99})
	require.Error(t, err)

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields["name"], "is required")
	assert.Contains(t, verr.Fields["runtime"], "must be one of [python dotnet exec]")
	assert.Contains(t, verr.Fields["retries"], "must be at most 10")
}

func TestError_DeterministicMessage(t *testing.T) {
	e := New("b", "second").Add("a", "first")
	assert.Equal(t, "validation failed: a: first; b: second", e.Error())
}

func TestError_AsDiscrimination(t *testing.T) {
	var err error = New("queue", "is required")

	var verr *Error
	assert.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 1)
}
