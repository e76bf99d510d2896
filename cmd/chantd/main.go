// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command chantd runs a chant consensus node.
//
// # Commands
//
//   - serve: HTTP API plus the sweep and outbox loops.
//   - sweep: One deadline sweep, for cron-driven deployments.
//   - dispatch: One outbox delivery pass.
//   - plan: Print the cell layout for a participant and idea count.
//   - config init | check: Write or validate a config file.
//
// # Configuration
//
// --config names a YAML file. CHANT_* environment variables override it;
// see pkg/config for the list.
//
// # Usage
//
//	# Build
//	go build -o chantd ./cmd/chantd
//
//	# Write a default config, then run
//	./chantd config init chantd.yaml
//	./chantd serve --config chantd.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
