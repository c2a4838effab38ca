// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package qmp

import (
	"fmt"
	"sort"
	"strings"
)

// VirtioVendorID is the PCI vendor id all checked devices must carry.
const VirtioVendorID = 0x1AF4

// ContractRevision is the device revision pinned by the strict contract.
const ContractRevision = 0x01

// ContractMode selects how strictly the PCI preflight checks identities.
type ContractMode string

const (
	// ContractV1 pins device ids and revisions exactly.
	ContractV1 ContractMode = "contract-v1"
	// ContractTransitional checks presence only, accepting transitional
	// device ids and any revision.
	ContractTransitional ContractMode = "transitional"
)

// Known reports whether the mode is one of the defined contract modes.
func (m ContractMode) Known() bool {
	return m == ContractV1 || m == ContractTransitional
}

// CatalogDevice is one device the preflight expects to find on the bus.
type CatalogDevice struct {
	// Name is the device feature name, e.g. "virtio-blk".
	Name string

	// ModernID is the contract-v1 PCI device id.
	ModernID uint16

	// TransitionalID is the legacy device id accepted in transitional
	// mode. Zero means the device has no transitional variant.
	TransitionalID uint16
}

// PreflightError aggregates every identity violation found on the bus.
type PreflightError struct {
	Mode       ContractMode
	Missing    []string
	Mismatches []string
}

// Error implements the error interface.
func (e *PreflightError) Error() string {
	var parts []string

	if len(e.Missing) > 0 {
		parts = append(parts,
			"missing devices: "+strings.Join(e.Missing, ", "))
	}

	if len(e.Mismatches) > 0 {
		parts = append(parts,
			"identity mismatches: "+strings.Join(e.Mismatches, ", "))
	}

	return fmt.Sprintf(
		"pci preflight (%s): %s",
		e.Mode,
		strings.Join(parts, "; "),
	)
}

// Is implements the [errors.Is] interface.
func (e *PreflightError) Is(other error) bool {
	if _, ok := other.(*PreflightError); ok {
		return true
	}

	return other == ErrContractViolation
}

// PreflightReport summarizes the checked bus state for the host marker.
type PreflightReport struct {
	Mode    ContractMode
	Devices []PCIDevice
	Checked int
}

// Summary renders the observed device identities sorted and joined, safe
// for a single marker field.
func (r *PreflightReport) Summary() string {
	identities := make([]string, 0, len(r.Devices))
	for _, device := range r.Devices {
		identities = append(identities, device.String())
	}

	sort.Strings(identities)

	return strings.Join(identities, " ")
}

// Preflight checks the observed PCI devices against the expected catalog.
//
// Strict mode (contract-v1) requires every catalog device to be present
// under its modern id with the pinned revision; all violations are
// aggregated into one [PreflightError] instead of failing on the first.
// Transitional mode only requires presence, under either the modern or the
// transitional id, and ignores revisions.
func Preflight(
	mode ContractMode,
	observed []PCIDevice,
	catalog []CatalogDevice,
) (*PreflightReport, error) {
	if !mode.Known() {
		return nil, fmt.Errorf("unknown contract mode %q", mode)
	}

	report := &PreflightReport{
		Mode:    mode,
		Devices: observed,
		Checked: len(catalog),
	}

	preflightErr := &PreflightError{Mode: mode}

	for _, want := range catalog {
		switch mode {
		case ContractV1:
			checkStrict(observed, want, preflightErr)
		case ContractTransitional:
			checkPresence(observed, want, preflightErr)
		}
	}

	if len(preflightErr.Missing) > 0 || len(preflightErr.Mismatches) > 0 {
		return report, preflightErr
	}

	return report, nil
}

func checkStrict(observed []PCIDevice, want CatalogDevice, out *PreflightError) {
	found := false

	for _, device := range observed {
		if device.VendorID != VirtioVendorID {
			continue
		}

		if device.DeviceID != want.ModernID &&
			(want.TransitionalID == 0 || device.DeviceID != want.TransitionalID) {
			continue
		}

		found = true

		if device.DeviceID != want.ModernID {
			out.Mismatches = append(out.Mismatches, fmt.Sprintf(
				"%s: %s (want device id %04X)",
				want.Name, device, want.ModernID,
			))

			continue
		}

		if device.HasRevision && device.Revision != ContractRevision {
			out.Mismatches = append(out.Mismatches, fmt.Sprintf(
				"%s: %s (want revision %02X)",
				want.Name, device, ContractRevision,
			))
		}
	}

	if !found {
		out.Missing = append(out.Missing, fmt.Sprintf(
			"%s (%04X:%04X)", want.Name, VirtioVendorID, want.ModernID,
		))
	}
}

func checkPresence(observed []PCIDevice, want CatalogDevice, out *PreflightError) {
	for _, device := range observed {
		if device.VendorID != VirtioVendorID {
			continue
		}

		if device.DeviceID == want.ModernID ||
			(want.TransitionalID != 0 && device.DeviceID == want.TransitionalID) {
			return
		}
	}

	out.Missing = append(out.Missing, fmt.Sprintf(
		"%s (%04X:%04X or %04X:%04X)",
		want.Name,
		VirtioVendorID, want.ModernID,
		VirtioVendorID, want.TransitionalID,
	))
}
