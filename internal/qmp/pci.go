// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package qmp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PCIDevice is one device record from the guest PCI tree.
type PCIDevice struct {
	VendorID          uint16
	DeviceID          uint16
	SubsystemVendorID uint16
	SubsystemID       uint16
	HasSubsystem      bool
	Revision          uint8
	HasRevision       bool
}

// String renders the identity as "VVVV:DDDD@RR" for diagnostics.
func (d PCIDevice) String() string {
	if !d.HasRevision {
		return fmt.Sprintf("%04X:%04X", d.VendorID, d.DeviceID)
	}

	return fmt.Sprintf("%04X:%04X@%02X", d.VendorID, d.DeviceID, d.Revision)
}

// QueryPCIDevices retrieves the guest PCI tree and flattens it.
//
// The tree nests arbitrarily deep through bridges. IDs appear as numbers,
// hex-prefixed strings or nested under an "id" sub-object depending on the
// server version. Records lacking vendor or device id are skipped, and
// malformed shapes never produce an error, only fewer records.
func (c *Client) QueryPCIDevices(ctx context.Context) ([]PCIDevice, error) {
	result, err := c.Execute(ctx, "query-pci", nil)
	if err != nil {
		return nil, err
	}

	var buses []map[string]any
	if err := json.Unmarshal(result, &buses); err != nil {
		return nil, fmt.Errorf("query-pci response: %w", err)
	}

	var devices []PCIDevice
	for _, bus := range buses {
		devices = collectBusDevices(bus, devices)
	}

	return devices, nil
}

func collectBusDevices(bus map[string]any, devices []PCIDevice) []PCIDevice {
	rawDevices, ok := bus["devices"].([]any)
	if !ok {
		return devices
	}

	for _, rawDevice := range rawDevices {
		device, ok := rawDevice.(map[string]any)
		if !ok {
			continue
		}

		if record, ok := parseDeviceRecord(device); ok {
			devices = append(devices, record)
		}

		// Bridges nest another bus with its own device list.
		if bridge, ok := device["pci_bridge"].(map[string]any); ok {
			if nested, ok := bridge["bus"].(map[string]any); ok {
				devices = collectBusDevices(nested, devices)
			}

			devices = collectBusDevices(bridge, devices)
		}
	}

	return devices
}

func parseDeviceRecord(device map[string]any) (PCIDevice, bool) {
	vendor, vendorOK := lookupID(device, "vendor", "vendor-id", "vendor_id")
	devID, devOK := lookupID(device, "device", "device-id", "device_id")

	if !vendorOK || !devOK {
		return PCIDevice{}, false
	}

	record := PCIDevice{
		VendorID: uint16(vendor),
		DeviceID: uint16(devID),
	}

	if rev, ok := lookupID(device, "revision", "revision-id", "rev"); ok {
		record.Revision = uint8(rev)
		record.HasRevision = true
	}

	subVendor, subVendorOK := lookupID(
		device, "subsystem-vendor", "subsystem_vendor_id", "subsystem-vendor-id",
	)
	subID, subIDOK := lookupID(device, "subsystem", "subsystem_id", "subsystem-id")

	if subVendorOK && subIDOK {
		record.SubsystemVendorID = uint16(subVendor)
		record.SubsystemID = uint16(subID)
		record.HasSubsystem = true
	}

	return record, true
}

// lookupID finds the first of the given keys, either directly on the
// record or nested under its "id" sub-object, and coerces it to a number.
func lookupID(device map[string]any, keys ...string) (uint64, bool) {
	for _, key := range keys {
		if value, ok := device[key]; ok {
			if id, ok := coerceID(value); ok {
				return id, true
			}
		}
	}

	if nested, ok := device["id"].(map[string]any); ok {
		for _, key := range keys {
			if value, ok := nested[key]; ok {
				if id, ok := coerceID(value); ok {
					return id, true
				}
			}
		}
	}

	return 0, false
}

func coerceID(value any) (uint64, bool) {
	switch v := value.(type) {
	case float64:
		if v < 0 {
			return 0, false
		}

		return uint64(v), true
	case string:
		text := strings.TrimSpace(v)

		base := 10
		if rest, found := strings.CutPrefix(strings.ToLower(text), "0x"); found {
			base = 16
			text = rest
		}

		id, err := strconv.ParseUint(text, base, 32)
		if err != nil {
			return 0, false
		}

		return id, true
	default:
		return 0, false
	}
}
