// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package marker

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// hostBaseFields lists, per host marker name, the fields that are emitted
// first in this exact order. All remaining fields follow sorted by key, so
// host marker lines are deterministic for log scraping.
var hostBaseFields = map[string][]string{
	"RUN_START":     {"run_id", "profile", "qemu", "ts"},
	"RUN_RESULT":    {"run_id", "status", "failed", "ts"},
	"PCI_PREFLIGHT": {"run_id", "mode", "devices"},
}

// defaultBaseFields is used for mirrored guest markers.
var defaultBaseFields = []string{"run_id", "mode", "reason", "err"}

// hostFieldNames remaps guest field names to the stable host vocabulary.
// Unknown names pass through unchanged.
var hostFieldNames = map[string]string{
	"msg":   "detail",
	"durms": "duration_ms",
}

// SanitizeValue makes a value safe for marker emission. Field values must
// not contain the field separator or line breaks.
func SanitizeValue(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '|', '\n', '\r':
			return '_'
		default:
			return r
		}
	}, v)
}

// HostName converts a guest subject name into a host marker name token,
// e.g. "virtio-blk" becomes "VIRTIO_BLK".
func HostName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// FormatHost renders a single host marker line. Fields named in base keep
// that order, extras are appended sorted by key.
func FormatHost(name string, status Status, fields []Field, base []string) string {
	parts := []string{HostPrefix, name, string(status)}

	emitted := make(map[string]bool, len(fields))

	for _, key := range base {
		value, found := fieldValue(fields, key)
		if !found {
			continue
		}

		emitted[key] = true

		parts = append(parts, key+"="+SanitizeValue(value))
	}

	extras := make([]Field, 0, len(fields))

	for _, f := range fields {
		if !emitted[f.Key] {
			emitted[f.Key] = true
			extras = append(extras, f)
		}
	}

	sort.Slice(extras, func(i, j int) bool {
		return extras[i].Key < extras[j].Key
	})

	for _, f := range extras {
		parts = append(parts, f.Key+"="+SanitizeValue(f.Value))
	}

	return strings.Join(parts, FieldSep)
}

// Emitter writes host marker lines to a stream, stamping each line with the
// run ID.
type Emitter struct {
	w     io.Writer
	runID string
}

// NewEmitter creates an [Emitter] writing to w.
func NewEmitter(w io.Writer, runID string) *Emitter {
	return &Emitter{w: w, runID: runID}
}

// Emit writes a single host marker line.
func (e *Emitter) Emit(name string, status Status, fields ...Field) error {
	all := make([]Field, 0, len(fields)+1)
	all = append(all, Field{Key: "run_id", Value: e.runID})
	all = append(all, fields...)

	base, exists := hostBaseFields[name]
	if !exists {
		base = defaultBaseFields
	}

	line := FormatHost(name, status, all, base)

	_, err := io.WriteString(e.w, line+"\n")
	if err != nil {
		return fmt.Errorf("emit host marker: %w", err)
	}

	return nil
}

// Mirror emits the host marker corresponding to a guest marker 1:1, with
// field names remapped into the host vocabulary.
func (e *Emitter) Mirror(m Marker) error {
	name := m.Name
	if name == "" {
		name = strings.ToLower(m.Kind)
	}

	status := m.Status
	if status == "" {
		status = StatusInfo
	}

	fields := make([]Field, 0, len(m.Fields))

	for _, f := range m.Fields {
		key := f.Key
		if mapped, exists := hostFieldNames[key]; exists {
			key = mapped
		}

		fields = append(fields, Field{Key: key, Value: f.Value})
	}

	return e.Emit(HostName(name), status, fields...)
}
