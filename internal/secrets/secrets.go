// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package secrets resolves credential references in configuration and keeps
// operator secrets in the OS keyring.
package secrets

// Store holds named secrets grouped by service.
type Store interface {
	Store(service, key, value string) error

	// Retrieve returns a CodeSecretNotFound error when the key is absent.
	Retrieve(service, key string) (string, error)

	// Delete returns a CodeSecretNotFound error when the key is absent.
	Delete(service, key string) error

	List(service string) ([]string, error)
}
