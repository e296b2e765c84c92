// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// main package of tache-local.
package main

import (
	"context"
	"os"

	"github.com/edgelesssys/tache/tache-local/cmd"
)

func main() {
	if err := execute(); err != nil {
		os.Exit(1)
	}
}

func execute() error {
	// Signals are handled by the shutdown monitor of the supervisor.
	cmd := cmd.New()
	return cmd.ExecuteContext(context.Background())
}
