// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package gate

import (
	"github.com/aero-vm/virtioconf/internal/marker"
)

type featureState struct {
	sawPass bool
	sawFail bool
	sawSkip bool

	last    marker.Marker
	hasLast bool
}

type diagState struct {
	last    marker.DiagLine
	hasLast bool
}

// Collector latches marker evidence per feature as lines arrive.
//
// It is owned by the single serial reader loop and must not be written to
// concurrently. Reading happens after the run has finished.
type Collector struct {
	features map[string]*featureState
	diags    map[string]*diagState

	started        bool
	protocolVer    string
	result         marker.Marker
	resultObserved bool
}

// NewCollector creates an empty [Collector].
func NewCollector() *Collector {
	return &Collector{
		features: map[string]*featureState{},
		diags:    map[string]*diagState{},
	}
}

func (c *Collector) feature(name string) *featureState {
	state, exists := c.features[name]
	if !exists {
		state = &featureState{}
		c.features[name] = state
	}

	return state
}

// Observe latches a primary guest marker.
func (c *Collector) Observe(m marker.Marker) {
	switch m.Kind {
	case marker.KindStart:
		c.started = true
		c.protocolVer, _ = m.Field("version")
	case marker.KindResult:
		c.result = m
		c.resultObserved = true
	case marker.KindTest:
		state := c.feature(m.Name)
		state.last = m
		state.hasLast = true

		switch m.Status {
		case marker.StatusPass:
			state.sawPass = true
		case marker.StatusFail:
			state.sawFail = true
		case marker.StatusSkip:
			state.sawSkip = true
		default: // INFO/WARN/READY carry no verdict.
		}
	}
}

// ObserveDiag latches a secondary diagnostic line, keyed by its name.
func (c *Collector) ObserveDiag(d marker.DiagLine) {
	state, exists := c.diags[d.Name]
	if !exists {
		state = &diagState{}
		c.diags[d.Name] = state
	}

	state.last = d
	state.hasLast = true
}

// Started reports whether the selftest START marker was seen, and the
// protocol version it announced.
func (c *Collector) Started() (string, bool) {
	return c.protocolVer, c.started
}

// Result returns the final RESULT marker if one was observed.
func (c *Collector) Result() (marker.Marker, bool) {
	return c.result, c.resultObserved
}
