// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

// Package qemu builds and runs the hypervisor command for a conformance
// run.
//
// It provides the ordered device argument builder, the capability probe
// with its resettable cache, argv assembly with name collision checks, and
// the subprocess orchestration including the stderr sidecar log and the
// side-effect free dry-run mode.
package qemu
