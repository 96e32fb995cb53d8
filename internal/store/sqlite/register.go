// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"path/filepath"

	"github.com/sigil-dev/bastion/internal/store"
)

func init() {
	store.RegisterBackend("sqlite", newStore)
}

func newStore(dataPath string) (store.Store, error) {
	return NewStore(filepath.Join(dataPath, "bastion.db"))
}
