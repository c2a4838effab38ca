// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

// Package qmp implements the hypervisor control channel.
//
// The wire format is one JSON object per request and one per response,
// newline-delimited, with a single request in flight at a time.
// Asynchronous event objects interleaved into the stream are skipped.
// Errors are classified so callers can fall back to the legacy
// single-line monitor protocol when a structured command does not exist.
package qmp
