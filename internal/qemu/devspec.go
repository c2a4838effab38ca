// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package qemu

import (
	"fmt"
	"strconv"
	"strings"
)

// DeviceSpec is an ordered key/value device configuration that serializes
// to a QEMU "-device" keyval string.
//
// Each key appears at most once. The first writer of a key wins; later
// writes are skipped, never overwritten.
type DeviceSpec struct {
	driver string
	keys   []string
	values map[string]string
}

// NewDeviceSpec creates a [DeviceSpec] for the given device driver name.
func NewDeviceSpec(driver string) *DeviceSpec {
	return &DeviceSpec{
		driver: driver,
		values: map[string]string{},
	}
}

// Driver returns the device driver name.
func (s *DeviceSpec) Driver() string {
	return s.driver
}

// Has returns whether the key is already set.
func (s *DeviceSpec) Has(key string) bool {
	_, exists := s.values[key]
	return exists
}

// Get returns the value of key.
func (s *DeviceSpec) Get(key string) (string, bool) {
	value, exists := s.values[key]
	return value, exists
}

// AddOrSkip appends key=value unless the key is already present. It
// reports whether the property was added.
func (s *DeviceSpec) AddOrSkip(key, value string) bool {
	if s.Has(key) {
		return false
	}

	s.keys = append(s.keys, key)
	s.values[key] = value

	return true
}

// AddVectors sets the MSI-X vector count. Fails with [ErrVectorCount] for
// non-positive counts, otherwise behaves like [DeviceSpec.AddOrSkip].
func (s *DeviceSpec) AddVectors(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrVectorCount, n)
	}

	s.AddOrSkip("vectors", strconv.Itoa(n))

	return nil
}

// DisableMSIX forces vectors=0 when disable is set. A no-op if vectors is
// already set or disable is false.
func (s *DeviceSpec) DisableMSIX(disable bool) {
	if !disable {
		return
	}

	s.AddOrSkip("vectors", "0")
}

// String serializes the spec to a comma-joined keyval string with values
// quoted as needed.
func (s *DeviceSpec) String() string {
	parts := make([]string, 0, len(s.keys)+1)
	parts = append(parts, s.driver)

	for _, key := range s.keys {
		parts = append(parts, key+"="+QuoteValue(s.values[key]))
	}

	return strings.Join(parts, ",")
}

// QuoteValue wraps v in double quotes if it contains a comma, quote or
// backslash, escaping backslashes and quotes inside. Plain values are
// returned unchanged, so the output stays readable.
//
// The format is the inverse of QEMU's own keyval parser: commas inside
// quotes are not treated as separators.
func QuoteValue(v string) string {
	if !strings.ContainsAny(v, `,"\`) {
		return v
	}

	var sb strings.Builder

	sb.WriteByte('"')

	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '"', '\\':
			sb.WriteByte('\\')
		}

		sb.WriteByte(v[i])
	}

	sb.WriteByte('"')

	return sb.String()
}

// Property is a parsed key=value pair from a device keyval string.
type Property struct {
	Key   string
	Value string
}

// ParseProperties parses a serialized device keyval string back into the
// driver name and its properties, honoring quoting as produced by
// [QuoteValue].
func ParseProperties(s string) (string, []Property, error) {
	parts, err := splitKeyvals(s)
	if err != nil {
		return "", nil, err
	}

	if len(parts) == 0 || parts[0] == "" {
		return "", nil, fmt.Errorf("device string %q: missing driver", s)
	}

	props := make([]Property, 0, len(parts)-1)

	for _, part := range parts[1:] {
		key, value, found := strings.Cut(part, "=")
		if !found {
			return "", nil, fmt.Errorf("device string %q: %q is not key=value", s, part)
		}

		value, err := unquoteValue(value)
		if err != nil {
			return "", nil, fmt.Errorf("device string %q: %w", s, err)
		}

		props = append(props, Property{Key: key, Value: value})
	}

	return parts[0], props, nil
}

// splitKeyvals splits on commas that are outside double quotes.
func splitKeyvals(s string) ([]string, error) {
	var (
		parts    []string
		sb       strings.Builder
		inQuotes bool
	)

	for i := 0; i < len(s); i++ {
		chr := s[i]

		switch {
		case inQuotes && chr == '\\' && i+1 < len(s):
			sb.WriteByte(chr)

			i++
			sb.WriteByte(s[i])
		case chr == '"':
			inQuotes = !inQuotes
			sb.WriteByte(chr)
		case chr == ',' && !inQuotes:
			parts = append(parts, sb.String())
			sb.Reset()
		default:
			sb.WriteByte(chr)
		}
	}

	if inQuotes {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}

	return append(parts, sb.String()), nil
}

func unquoteValue(v string) (string, error) {
	if !strings.HasPrefix(v, `"`) {
		return v, nil
	}

	if len(v) < 2 || !strings.HasSuffix(v, `"`) {
		return "", fmt.Errorf("unterminated quoted value %q", v)
	}

	inner := v[1 : len(v)-1]

	var sb strings.Builder

	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
		}

		sb.WriteByte(inner[i])
	}

	return sb.String(), nil
}
