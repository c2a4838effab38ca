// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package marker

import (
	"strings"
)

const (
	// GuestPrefix is the prefix of all primary guest selftest markers.
	GuestPrefix = "AERO_VIRTIO_SELFTEST"

	// HostPrefix is the prefix of the stable host marker vocabulary this
	// harness emits for CI scraping.
	HostPrefix = "AERO_VIRTIO_WIN7_HOST"

	// FieldSep separates the fields of a marker line.
	FieldSep = "|"
)

// Marker kinds emitted by the guest selftest.
const (
	KindStart  = "START"
	KindConfig = "CONFIG"
	KindTest   = "TEST"
	KindResult = "RESULT"
)

// Status is the outcome token of a marker or diagnostic line.
type Status string

const (
	StatusPass  Status = "PASS"
	StatusFail  Status = "FAIL"
	StatusSkip  Status = "SKIP"
	StatusInfo  Status = "INFO"
	StatusWarn  Status = "WARN"
	StatusReady Status = "READY"
)

// Known returns whether s is one of the agreed status tokens.
func (s Status) Known() bool {
	switch s {
	case StatusPass, StatusFail, StatusSkip, StatusInfo, StatusWarn,
		StatusReady:
		return true
	default:
		return false
	}
}

// Field is a single key=value pair of a marker line. Order is significant,
// so fields are kept as a slice, not a map.
type Field struct {
	Key   string
	Value string
}

// Marker is a decoded primary guest marker line.
type Marker struct {
	Kind   string
	Name   string
	Status Status
	Fields []Field
}

// Field returns the value of the first field with the given key.
func (m Marker) Field(key string) (string, bool) {
	return fieldValue(m.Fields, key)
}

// ParseGuest decodes a primary guest marker line.
//
// Returns [ErrNotMarker] for lines without the guest prefix, so callers can
// cheaply skip ordinary log output.
func ParseGuest(line string) (Marker, error) {
	rest, found := strings.CutPrefix(line, GuestPrefix+FieldSep)
	if !found {
		return Marker{}, ErrNotMarker
	}

	parts := strings.Split(rest, FieldSep)
	if parts[0] == "" {
		return Marker{}, ErrMarkerMalformed
	}

	m := Marker{Kind: parts[0]}

	switch m.Kind {
	case KindTest:
		// TEST|<name>|<STATUS>|fields...
		if len(parts) < 3 || parts[1] == "" || !Status(parts[2]).Known() {
			return Marker{}, ErrMarkerMalformed
		}

		m.Name = parts[1]
		m.Status = Status(parts[2])
		m.Fields = parseFields(parts[3:])
	case KindResult:
		// RESULT|<STATUS>|fields...
		if len(parts) < 2 || !Status(parts[1]).Known() {
			return Marker{}, ErrMarkerMalformed
		}

		m.Status = Status(parts[1])
		m.Fields = parseFields(parts[2:])
	default:
		// START, CONFIG and future kinds carry fields only.
		m.Fields = parseFields(parts[1:])
	}

	return m, nil
}

// DiagLine is a secondary, unprefixed diagnostic line like
// "virtio-net-irq|INFO|mode=msix|vectors=3".
type DiagLine struct {
	Name   string
	Level  Status
	Fields []Field
}

// Field returns the value of the first field with the given key.
func (d DiagLine) Field(key string) (string, bool) {
	return fieldValue(d.Fields, key)
}

// ParseDiag decodes a secondary diagnostic line. The second element must be
// a known status token, which keeps arbitrary guest log output from being
// mistaken for a diagnostic line.
func ParseDiag(line string) (DiagLine, error) {
	parts := strings.Split(line, FieldSep)
	if len(parts) < 2 || parts[0] == "" {
		return DiagLine{}, ErrNotDiagLine
	}

	if strings.ContainsAny(parts[0], "= ") {
		return DiagLine{}, ErrNotDiagLine
	}

	level := Status(parts[1])
	if !level.Known() {
		return DiagLine{}, ErrNotDiagLine
	}

	return DiagLine{
		Name:   parts[0],
		Level:  level,
		Fields: parseFields(parts[2:]),
	}, nil
}

func parseFields(parts []string) []Field {
	fields := make([]Field, 0, len(parts))

	for _, part := range parts {
		if part == "" {
			continue
		}

		key, value, _ := strings.Cut(part, "=")
		fields = append(fields, Field{Key: key, Value: value})
	}

	return fields
}

func fieldValue(fields []Field, key string) (string, bool) {
	for _, f := range fields {
		if f.Key == key {
			return f.Value, true
		}
	}

	return "", false
}
