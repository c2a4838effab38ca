// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

// Package marker implements the guest selftest marker text protocol.
//
// The guest emits ASCII lines of the form
//
//	AERO_VIRTIO_SELFTEST|<KIND>|<name>|<STATUS>|k1=v1|k2=v2|...
//
// over a serial transport, plus secondary diagnostic lines like
//
//	virtio-net-irq|INFO|mode=msix|vectors=3
//
// The package provides an incremental line splitter that is correct across
// arbitrary chunk boundaries and line ending styles, a bounded tail buffer,
// marker parsing into ordered fields, and the stable host marker output
// format used for CI scraping.
package marker
