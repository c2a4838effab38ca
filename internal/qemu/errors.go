// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package qemu

import (
	"errors"
	"fmt"
)

var (
	// ErrArgumentCollision is returned if two [Argument]s are considered
	// equal.
	ErrArgumentCollision = errors.New("colliding args")

	// ErrArgumentInvalid is returned for an invalid command spec field.
	ErrArgumentInvalid = errors.New("invalid argument")

	// ErrVectorCount is returned for a non-positive MSI-X vector count.
	ErrVectorCount = errors.New("vector count must be positive")

	// ErrBinaryPathEmpty is returned if no hypervisor binary was given.
	ErrBinaryPathEmpty = errors.New("hypervisor binary path is empty")

	// ErrBinaryIsDirectory is returned if the given binary path names a
	// directory.
	ErrBinaryIsDirectory = errors.New("hypervisor binary path is a directory")

	// ErrBinaryNotOnPath is returned if a bare binary name cannot be
	// resolved via PATH.
	ErrBinaryNotOnPath = errors.New("hypervisor binary not found on PATH")

	// ErrBinaryMissing is returned if an explicit binary path does not
	// exist.
	ErrBinaryMissing = errors.New("hypervisor binary path does not exist")

	// ErrDeviceNotSupported is returned if the hypervisor does not know a
	// requested device model.
	ErrDeviceNotSupported = errors.New("device model not supported")

	// ErrPropertyNotSupported is returned if devices lack a required
	// property.
	ErrPropertyNotSupported = errors.New("device property not supported")
)

// BinaryError describes why the hypervisor binary could not be used.
type BinaryError struct {
	Path string
	Err  error
}

// Error implements the [error] interface.
func (e *BinaryError) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}

	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Is implements the [errors.Is] interface.
func (*BinaryError) Is(other error) bool {
	_, ok := other.(*BinaryError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *BinaryError) Unwrap() error {
	return e.Err
}

// ProbeError wraps a failed capability probe invocation. It keeps the
// captured stderr so an unrelated hypervisor startup error is never misread
// as "device not supported".
type ProbeError struct {
	Binary string
	Args   []string
	Stderr string
	Err    error
}

// Error implements the [error] interface.
func (e *ProbeError) Error() string {
	msg := fmt.Sprintf("probe %s %v: %v", e.Binary, e.Args, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}

	return msg
}

// Is implements the [errors.Is] interface.
func (*ProbeError) Is(other error) bool {
	_, ok := other.(*ProbeError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *ProbeError) Unwrap() error {
	return e.Err
}

// CommandError wraps any error occurred during hypervisor execution.
type CommandError struct {
	Err      error
	ExitCode int
}

// Error implements the [error] interface.
func (e *CommandError) Error() string {
	return "qemu: " + e.Err.Error()
}

// Is implements the [errors.Is] interface.
func (*CommandError) Is(other error) bool {
	_, ok := other.(*CommandError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *CommandError) Unwrap() error {
	return e.Err
}
