// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package schedule fires registered functions on cron timers. It
// accepts Quartz style six field expressions, seconds first, and
// normalizes the common five field form so both dialects work.
package schedule

import (
	"fmt"
	"strings"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/absmach/fluxfn/pkg/validation"
)

// parser accepts six field expressions with a leading seconds field,
// plus descriptors like @hourly.
var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Normalize converts a five field standard cron expression into the six
// field form used by the engine. Six field expressions and descriptors
// pass through untouched. Anything unparseable is rejected with a
// validation error.
func Normalize(expression string) (string, error) {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return "", validation.New("schedule", "is required")
	}

	if !strings.HasPrefix(trimmed, "@") {
		fields := strings.Fields(trimmed)
		if len(fields) == 5 {
			if fields[4] == "*" {
				fields[4] = "?"
			}
			fields = append([]string{"0"}, fields...)
			trimmed = strings.Join(fields, " ")
		}
	}

	if _, err := parser.Parse(trimmed); err != nil {
		return "", validation.New("schedule", fmt.Sprintf("invalid cron expression: %s", err))
	}

	return trimmed, nil
}

// Next returns the next fire time for a normalized expression after
// the given instant.
func Next(expression string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cron expression: %w", err)
	}
	return sched.Next(from), nil
}
