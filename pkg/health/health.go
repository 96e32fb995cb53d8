// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package health describes the state of host components for the admin API.
package health

import (
	"context"
	"slices"
	"strings"
)

type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Component is the health of one dependency, e.g. the audit sink or the
// shared rate-limit backend.
type Component struct {
	Name         string `json:"name"`
	Status       Status `json:"status"`
	FailureCount int64  `json:"failure_count,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// Check reports one component.
type Check func(ctx context.Context) Component

// Report aggregates component checks. Its status is the worst component
// status.
type Report struct {
	Status     Status      `json:"status"`
	Components []Component `json:"components,omitempty"`
}

var severity = map[Status]int{StatusOK: 0, StatusDegraded: 1, StatusDown: 2}

// Run executes every check and aggregates the results sorted by name.
func Run(ctx context.Context, checks ...Check) Report {
	r := Report{Status: StatusOK}
	for _, check := range checks {
		c := check(ctx)
		if severity[c.Status] > severity[r.Status] {
			r.Status = c.Status
		}
		r.Components = append(r.Components, c)
	}
	slices.SortFunc(r.Components, func(a, b Component) int { return strings.Compare(a.Name, b.Name) })
	return r
}

// FailureCounter is satisfied by components that track consecutive failures.
type FailureCounter interface {
	FailCount() int64
}

// FromFailures reports ok with no failures, degraded below threshold and
// down at or above it.
func FromFailures(name string, fc FailureCounter, threshold int64) Check {
	return func(context.Context) Component {
		n := fc.FailCount()
		c := Component{Name: name, Status: StatusOK, FailureCount: n}
		switch {
		case n >= threshold:
			c.Status = StatusDown
		case n > 0:
			c.Status = StatusDegraded
		}
		return c
	}
}

// FromPing turns a connectivity check function into a check.
func FromPing(name string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) Component {
		if err := ping(ctx); err != nil {
			return Component{Name: name, Status: StatusDown, Detail: err.Error()}
		}
		return Component{Name: name, Status: StatusOK}
	}
}
