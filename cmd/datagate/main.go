// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the datagate gateway.
package main

import (
	"os"

	"github.com/datagate-io/datagate/cmd/datagate/app"
	"github.com/datagate-io/datagate/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
