// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/sigil-dev/bastion/internal/store"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// dbError classifies a driver failure. Constraint violations match
// store.ErrConflict, everything else store.ErrDatabase.
func dbError(err error, format string, args ...any) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return bastionerr.Wrapf(fmt.Errorf("%w: %w", store.ErrConflict, err),
			bastionerr.CodeStoreConflict, format, args...)
	}
	return bastionerr.Wrapf(fmt.Errorf("%w: %w", store.ErrDatabase, err),
		bastionerr.CodeStoreDatabaseFailure, format, args...)
}

// invalidInput rejects a write before it reaches the database. cause may be
// nil.
func invalidInput(cause error, msg string) error {
	err := store.ErrInvalidInput
	if cause != nil {
		err = fmt.Errorf("%w: %w", store.ErrInvalidInput, cause)
	}
	return bastionerr.Wrap(err, bastionerr.CodeStoreInvalidInput, msg)
}

func notFound(format string, args ...any) error {
	return bastionerr.Wrapf(store.ErrNotFound, bastionerr.CodeStoreEntityNotFound, format, args...)
}
