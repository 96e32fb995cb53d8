// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Command bastion installs, approves and runs sandboxed WASM plugins.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
