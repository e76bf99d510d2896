// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and metrics for chantd.
//
// OpenTelemetry is the abstraction layer. Engine, sweeper and outbox code
// use the OTel API directly through the span helpers here, and the backend
// is chosen by exporter configuration only.
//
// # Trace Backend (default: OTLP over gRPC)
//
// Any OTLP receiver works (Jaeger 1.35+, Tempo, a collector). "stdout"
// pretty-prints spans, "none" leaves the global no-op provider in place.
//
// # Metrics Backend (default: Prometheus)
//
// The OTel Prometheus exporter registers with the Prometheus registry the
// service scrapes at /metrics, next to the engine's own client_golang
// collectors.
//
// # Usage
//
//	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - CHANT_ENV: environment name (default: development)
//
// # Thread Safety
//
// All exported functions are safe for concurrent use after Init returns.
package telemetry
