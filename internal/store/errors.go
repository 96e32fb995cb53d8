// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import "errors"

// Backends wrap these under the matching CodeStore* error code, so callers
// can use either errors.Is or the bastionerr classifiers.
var (
	// ErrNotFound: no approval is recorded for the plugin.
	ErrNotFound = errors.New("not found")

	// ErrConflict: the write violates a constraint, such as a reused audit
	// entry id.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput: the record was rejected before reaching storage.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDatabase: any other storage failure.
	ErrDatabase = errors.New("database error")
)
