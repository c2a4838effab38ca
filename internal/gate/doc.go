// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

// Package gate decides whether the marker evidence accumulated during a run
// satisfies the pass criteria of each required feature.
//
// Evidence is consulted in priority order: an explicit marker line still
// present in the tail window (or recovered from the full serial log), then
// the latched saw-pass/saw-fail/saw-skip flags that survive tail buffer
// rotation. A latched PASS is authoritative over a stale FAIL or SKIP flag.
package gate
