// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package qmp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrClosed is returned if the control channel ended unexpectedly.
	ErrClosed = errors.New("control channel closed")

	// ErrGreetingMissing is returned if the server did not send the
	// expected greeting object.
	ErrGreetingMissing = errors.New("control channel greeting missing")

	// ErrContractViolation is returned if the PCI preflight found identity
	// or revision mismatches.
	ErrContractViolation = errors.New("device contract violation")
)

// ErrorKind classifies a server-reported command error.
type ErrorKind int

const (
	// KindOther is any error not classified further.
	KindOther ErrorKind = iota
	// KindCommandNotFound means the server does not know the command.
	KindCommandNotFound
	// KindDeviceNotFound means the command addressed an unknown device.
	KindDeviceNotFound
)

// String implements [fmt.Stringer].
func (k ErrorKind) String() string {
	switch k {
	case KindCommandNotFound:
		return "CommandNotFound"
	case KindDeviceNotFound:
		return "DeviceNotFound"
	default:
		return "Other"
	}
}

// ControlError is an error object reported by the control channel server.
type ControlError struct {
	Kind    ErrorKind
	Command string
	Class   string
	Desc    string
}

// Error implements the error interface.
func (e *ControlError) Error() string {
	return fmt.Sprintf(
		"command %q failed: %s: %s",
		e.Command,
		e.Class,
		e.Desc,
	)
}

// Is implements the [errors.Is] interface.
func (*ControlError) Is(other error) bool {
	_, ok := other.(*ControlError)
	return ok
}

// classify maps a server error object to an [ErrorKind].
//
// A DeviceNotFound class always wins, even if the description happens to
// contain "has not been found" phrasing near the command name. Only a
// generic class whose description names the command as not found is
// treated as CommandNotFound.
func classify(command, class, desc string) *ControlError {
	kind := KindOther

	switch {
	case class == "DeviceNotFound":
		kind = KindDeviceNotFound
	case class == "CommandNotFound":
		kind = KindCommandNotFound
	case strings.Contains(desc, command+" has not been found"):
		// Covers both bare and "The command <name> has not been found"
		// phrasings of older servers.
		kind = KindCommandNotFound
	}

	return &ControlError{
		Kind:    kind,
		Command: command,
		Class:   class,
		Desc:    desc,
	}
}

// IsCommandNotFound reports whether err is a [ControlError] classified as
// command-not-found.
func IsCommandNotFound(err error) bool {
	var ctrlErr *ControlError
	return errors.As(err, &ctrlErr) && ctrlErr.Kind == KindCommandNotFound
}
