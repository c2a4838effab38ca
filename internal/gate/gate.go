// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package gate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aero-vm/virtioconf/internal/marker"
)

// Requirement describes a feature the guest must prove via its TEST marker.
type Requirement struct {
	// Feature is the guest subject name, e.g. "virtio-blk".
	Feature string

	// EnableFlag is the harness flag named in SKIPPED verdict messages as
	// the remediation for a guest-side skip.
	EnableFlag string
}

// IRQStrength selects how strictly an interrupt mode requirement is
// enforced.
type IRQStrength int

const (
	// StrengthAnyVector passes when at least one interrupt vector is in
	// use, regardless of mode.
	StrengthAnyVector IRQStrength = iota
	// StrengthMSIX requires the resolved interrupt mode to be msix.
	StrengthMSIX
)

// IRQRequirement describes an interrupt mode check for one device.
type IRQRequirement struct {
	Device   string
	Strength IRQStrength
}

// OffloadRequirement requires network offload evidence for one device.
type OffloadRequirement struct {
	Device string
}

// Verdict is the terminal gate result for one feature.
type Verdict struct {
	Feature string
	OK      bool
	// Token is the stable failure token, e.g. "MISSING_VIRTIO_BLK". Empty
	// when OK.
	Token string
	// Message is the human-readable result line. Failure messages start
	// with "FAIL: <token>:".
	Message string
}

// Evaluator computes verdicts from the accumulated run state.
//
// Tail returns the current tail window of the serial stream. FullLog, if
// set, returns the complete serial log and is only consulted when the tail
// no longer holds the needed line.
type Evaluator struct {
	Collector *Collector
	Tail      func() []byte
	FullLog   func() []byte
}

func missingToken(feature string) string {
	return "MISSING_" + marker.HostName(feature)
}

func skippedToken(feature string) string {
	return marker.HostName(feature) + "_SKIPPED"
}

func failedToken(feature string) string {
	return marker.HostName(feature) + "_FAILED"
}

func pass(feature string) Verdict {
	return Verdict{
		Feature: feature,
		OK:      true,
		Message: fmt.Sprintf("PASS: %s", marker.HostName(feature)),
	}
}

func fail(feature, token, detail string) Verdict {
	return Verdict{
		Feature: feature,
		Token:   token,
		Message: fmt.Sprintf("FAIL: %s: %s", token, detail),
	}
}

// joinFields renders fields verbatim as "k=v" pairs so diagnostic values
// from the guest are never reformatted or invented.
func joinFields(fields []marker.Field) string {
	parts := make([]string, 0, len(fields))

	for _, f := range fields {
		parts = append(parts, f.Key+"="+f.Value)
	}

	return strings.Join(parts, " ")
}

// lastLine finds the last line with the given prefix, preferring the tail
// window and falling back to the full log.
func (e *Evaluator) lastLine(prefix string) (string, bool) {
	if e.Tail != nil {
		if line, found := marker.ExtractLastMatching(e.Tail(), prefix); found {
			return line, true
		}
	}

	if e.FullLog != nil {
		if line, found := marker.ExtractLastMatching(e.FullLog(), prefix); found {
			return line, true
		}
	}

	return "", false
}

func (e *Evaluator) lastTestMarker(feature string) (marker.Marker, bool) {
	prefix := marker.GuestPrefix + marker.FieldSep + marker.KindTest +
		marker.FieldSep + feature + marker.FieldSep

	line, found := e.lastLine(prefix)
	if !found {
		return marker.Marker{}, false
	}

	m, err := marker.ParseGuest(line)
	if err != nil {
		return marker.Marker{}, false
	}

	return m, true
}

func (e *Evaluator) failedVerdict(req Requirement, fields []marker.Field) Verdict {
	detail := "guest reported FAIL"
	if rendered := joinFields(fields); rendered != "" {
		detail += ": " + rendered
	}

	return fail(req.Feature, failedToken(req.Feature), detail)
}

func (e *Evaluator) skippedVerdict(req Requirement, fields []marker.Field) Verdict {
	detail := "guest skipped required feature"
	if rendered := joinFields(fields); rendered != "" {
		detail += ": " + rendered
	}

	detail += fmt.Sprintf(
		"; rerun with %s or drop the requirement",
		req.EnableFlag,
	)

	return fail(req.Feature, skippedToken(req.Feature), detail)
}

// Evaluate computes the verdict for one required feature.
func (e *Evaluator) Evaluate(req Requirement) Verdict {
	// Priority one: an explicit marker line still locatable in the logs.
	if m, found := e.lastTestMarker(req.Feature); found {
		switch m.Status {
		case marker.StatusPass:
			return pass(req.Feature)
		case marker.StatusFail:
			return e.failedVerdict(req, m.Fields)
		case marker.StatusSkip:
			return e.skippedVerdict(req, m.Fields)
		default: // INFO/WARN/READY lines carry no verdict.
		}
	}

	// Priority two: latched flags that survived tail rotation. A latched
	// PASS wins over stale FAIL/SKIP flags.
	state, exists := e.Collector.features[req.Feature]
	if exists {
		switch {
		case state.sawPass:
			return pass(req.Feature)
		case state.sawFail:
			var fields []marker.Field
			if state.hasLast && state.last.Status == marker.StatusFail {
				fields = state.last.Fields
			}

			return e.failedVerdict(req, fields)
		case state.sawSkip:
			var fields []marker.Field
			if state.hasLast && state.last.Status == marker.StatusSkip {
				fields = state.last.Fields
			}

			return e.skippedVerdict(req, fields)
		}
	}

	return fail(
		req.Feature,
		missingToken(req.Feature),
		fmt.Sprintf("no %q marker observed while required", req.Feature),
	)
}

// ResolveIRQMode resolves the effective interrupt mode of a diagnostic
// line's fields.
//
// The guest reports mode=msi in a transitional driver state even when MSI-X
// vector indices are already assigned. The agreed compatibility rule: a
// reported msi mode is upgraded to msix exactly when the line carries a
// "vectors" field with a value greater than zero or any field whose name
// ends in "_vector". Other modes are returned unchanged.
func ResolveIRQMode(fields []marker.Field) string {
	mode, _ := fieldValue(fields, "mode")
	if mode != "msi" {
		return mode
	}

	if raw, found := fieldValue(fields, "vectors"); found {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return "msix"
		}
	}

	for _, f := range fields {
		if strings.HasSuffix(f.Key, "_vector") {
			return "msix"
		}
	}

	return mode
}

func irqVectorCount(fields []marker.Field) int {
	raw, found := fieldValue(fields, "vectors")
	if !found {
		return 0
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}

	return n
}

func (e *Evaluator) lastDiagLine(name string) (marker.DiagLine, bool) {
	line, found := e.lastLine(name + marker.FieldSep)
	if found {
		if d, err := marker.ParseDiag(line); err == nil {
			return d, true
		}
	}

	state, exists := e.Collector.diags[name]
	if exists && state.hasLast {
		return state.last, true
	}

	return marker.DiagLine{}, false
}

func (e *Evaluator) evaluateIRQFields(
	req IRQRequirement,
	feature string,
	fields []marker.Field,
) Verdict {
	mode := ResolveIRQMode(fields)
	vectors := irqVectorCount(fields)

	switch req.Strength {
	case StrengthMSIX:
		if mode != "msix" {
			return fail(
				feature,
				failedToken(feature),
				fmt.Sprintf(
					"interrupt mode %q, msix required: %s",
					mode, joinFields(fields),
				),
			)
		}
	case StrengthAnyVector:
		if mode != "msix" && vectors == 0 {
			return fail(
				feature,
				failedToken(feature),
				"no interrupt vectors in use: "+joinFields(fields),
			)
		}
	}

	return pass(feature)
}

// EvaluateIRQ computes the interrupt mode verdict for one device.
//
// The dedicated "<device>-irq" diagnostic line is consulted first. Legacy
// irq_* fields on the device's TEST marker are only used when the dedicated
// line is entirely absent. A dedicated line reporting SKIP or WARN means
// the evidence is unavailable, never a pass.
func (e *Evaluator) EvaluateIRQ(req IRQRequirement) Verdict {
	feature := req.Device + "-irq"

	if d, found := e.lastDiagLine(feature); found {
		if d.Level == marker.StatusSkip || d.Level == marker.StatusWarn {
			return fail(
				feature,
				missingToken(feature),
				fmt.Sprintf(
					"dedicated irq marker reported %s, evidence unavailable: %s",
					d.Level, joinFields(d.Fields),
				),
			)
		}

		return e.evaluateIRQFields(req, feature, d.Fields)
	}

	// Dedicated line never observed, fall back to legacy fields on the
	// device's TEST marker.
	if m, found := e.lastTestMarker(req.Device); found {
		legacy := legacyIRQFields(m.Fields)
		if len(legacy) > 0 {
			return e.evaluateIRQFields(req, feature, legacy)
		}
	}

	return fail(
		feature,
		missingToken(feature),
		fmt.Sprintf("no irq evidence observed for %q", req.Device),
	)
}

// lastFeatureMarker finds the most recent TEST marker for a feature,
// preferring an explicit line in the logs over the latched collector state.
func (e *Evaluator) lastFeatureMarker(feature string) (marker.Marker, bool) {
	if m, found := e.lastTestMarker(feature); found {
		return m, true
	}

	state, exists := e.Collector.features[feature]
	if exists && state.hasLast {
		return state.last, true
	}

	return marker.Marker{}, false
}

// offloadDisabled lists fields whose value reports an offload switched off.
func offloadDisabled(fields []marker.Field) []marker.Field {
	var disabled []marker.Field

	for _, f := range fields {
		switch strings.ToLower(f.Value) {
		case "off", "0", "false":
			disabled = append(disabled, f)
		}
	}

	return disabled
}

func (e *Evaluator) evaluateOffloadFields(
	feature string,
	fields []marker.Field,
) Verdict {
	if len(fields) == 0 {
		return fail(
			feature,
			missingToken(feature),
			"offload marker carries no offload fields",
		)
	}

	if disabled := offloadDisabled(fields); len(disabled) > 0 {
		return fail(
			feature,
			failedToken(feature),
			"offloads disabled: "+joinFields(disabled),
		)
	}

	return pass(feature)
}

// EvaluateOffload computes the network offload verdict for one device.
//
// The dedicated "<device>-offload" TEST marker is consulted first. Legacy
// offload_* fields on the device's own TEST marker are only used when the
// dedicated marker is entirely absent. A dedicated marker reporting SKIP
// or WARN means the evidence is unavailable, never a pass.
func (e *Evaluator) EvaluateOffload(req OffloadRequirement) Verdict {
	feature := req.Device + "-offload"

	if m, found := e.lastFeatureMarker(feature); found {
		switch m.Status {
		case marker.StatusPass:
			return pass(feature)
		case marker.StatusFail:
			detail := "guest reported FAIL"
			if rendered := joinFields(m.Fields); rendered != "" {
				detail += ": " + rendered
			}

			return fail(feature, failedToken(feature), detail)
		case marker.StatusSkip, marker.StatusWarn:
			return fail(
				feature,
				missingToken(feature),
				fmt.Sprintf(
					"dedicated offload marker reported %s, evidence unavailable: %s",
					m.Status, joinFields(m.Fields),
				),
			)
		default:
			// An INFO marker enumerates the offload switches directly.
			return e.evaluateOffloadFields(feature, m.Fields)
		}
	}

	// Dedicated marker never observed, fall back to legacy fields on the
	// device's TEST marker.
	if m, found := e.lastFeatureMarker(req.Device); found {
		legacy := legacyOffloadFields(m.Fields)
		if len(legacy) > 0 {
			return e.evaluateOffloadFields(feature, legacy)
		}
	}

	return fail(
		feature,
		missingToken(feature),
		fmt.Sprintf("no offload evidence observed for %q", req.Device),
	)
}

// legacyOffloadFields extracts "offload_"-prefixed fields from a TEST
// marker and strips the prefix so they match the dedicated marker
// vocabulary.
func legacyOffloadFields(fields []marker.Field) []marker.Field {
	var legacy []marker.Field

	for _, f := range fields {
		name, found := strings.CutPrefix(f.Key, "offload_")
		if found {
			legacy = append(legacy, marker.Field{Key: name, Value: f.Value})
		}
	}

	return legacy
}

// legacyIRQFields extracts "irq_"-prefixed fields from a TEST marker and
// strips the prefix so they match the dedicated line vocabulary.
func legacyIRQFields(fields []marker.Field) []marker.Field {
	var legacy []marker.Field

	for _, f := range fields {
		name, found := strings.CutPrefix(f.Key, "irq_")
		if found {
			legacy = append(legacy, marker.Field{Key: name, Value: f.Value})
		}
	}

	return legacy
}

func fieldValue(fields []marker.Field, key string) (string, bool) {
	for _, f := range fields {
		if f.Key == key {
			return f.Value, true
		}
	}

	return "", false
}
