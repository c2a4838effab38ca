// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

// Package testserver provides the host-side echo endpoints the guest
// selftest sends traffic to, plus a preflight check of the host network
// they bind on.
package testserver
