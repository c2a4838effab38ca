// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package marker

import "errors"

var (
	// ErrNotMarker is returned if a line does not carry the guest marker
	// prefix.
	ErrNotMarker = errors.New("line is not a guest marker")

	// ErrMarkerMalformed is returned if a prefixed line does not have the
	// minimum fields for its kind.
	ErrMarkerMalformed = errors.New("malformed marker line")

	// ErrNotDiagLine is returned if a line is not a secondary diagnostic
	// line.
	ErrNotDiagLine = errors.New("line is not a diagnostic line")
)
