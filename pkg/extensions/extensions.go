// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the narrow interfaces through which chantd
// reaches external collaborators.
//
// The core engine never talks to push or email providers, the audit
// ledger or analytics directly. Every committed transition leaves an
// outbox event, and the outbox dispatcher hands each event to a Notifier
// exactly once. Deployments plug in their own Notifier through
// ServiceOptions; the default discards everything.
//
// # Extension Categories
//
//   - notifier.go: Event delivery (Notifier, NopNotifier, LogNotifier,
//     WebhookNotifier, MultiNotifier)
//
// # Usage
//
//	opts := extensions.DefaultOptions().
//	    WithNotifier(extensions.NewLogNotifier(logger))
//	svc, err := chant.New(cfg, opts)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// All fields are optional; nil values are replaced with no-op defaults by
// Normalize.
type ServiceOptions struct {
	// Notifier receives every dispatched outbox event.
	// Default: NopNotifier (discards all events)
	Notifier Notifier
}

// DefaultOptions returns ServiceOptions with no-op defaults.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		Notifier: NopNotifier{},
	}
}

// WithNotifier returns a copy of opts with the given Notifier.
func (opts ServiceOptions) WithNotifier(n Notifier) ServiceOptions {
	opts.Notifier = n
	return opts
}

// Normalize returns opts with every nil field replaced by its default.
func (opts ServiceOptions) Normalize() ServiceOptions {
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	return opts
}
