// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package qmp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aero-vm/virtioconf/internal/qmp"
)

var testCatalog = []qmp.CatalogDevice{
	{Name: "virtio-blk", ModernID: 0x1042, TransitionalID: 0x1001},
	{Name: "virtio-net", ModernID: 0x1041, TransitionalID: 0x1000},
}

func rev(r uint8) qmp.PCIDevice {
	return qmp.PCIDevice{
		VendorID:    qmp.VirtioVendorID,
		Revision:    r,
		HasRevision: true,
	}
}

func TestPreflightStrict(t *testing.T) {
	t.Run("all match", func(t *testing.T) {
		blk := rev(0x01)
		blk.DeviceID = 0x1042
		net := rev(0x01)
		net.DeviceID = 0x1041

		report, err := qmp.Preflight(
			qmp.ContractV1,
			[]qmp.PCIDevice{blk, net},
			testCatalog,
		)
		require.NoError(t, err)
		assert.Equal(t, "1AF4:1041@01 1AF4:1042@01", report.Summary())
	})

	t.Run("wrong revision aggregates", func(t *testing.T) {
		blk := rev(0x00)
		blk.DeviceID = 0x1042
		net := rev(0x01)
		net.DeviceID = 0x1041

		_, err := qmp.Preflight(
			qmp.ContractV1,
			[]qmp.PCIDevice{blk, net},
			testCatalog,
		)
		require.ErrorIs(t, err, qmp.ErrContractViolation)
		assert.ErrorContains(t, err, "1AF4:1042@00")
		assert.NotContains(t, err.Error(), "1AF4:1041")
	})

	t.Run("transitional id is a mismatch", func(t *testing.T) {
		blk := rev(0x00)
		blk.DeviceID = 0x1001

		_, err := qmp.Preflight(
			qmp.ContractV1,
			[]qmp.PCIDevice{blk},
			testCatalog[:1],
		)
		require.ErrorIs(t, err, qmp.ErrContractViolation)
		assert.ErrorContains(t, err, "want device id 1042")
	})

	t.Run("missing device", func(t *testing.T) {
		_, err := qmp.Preflight(qmp.ContractV1, nil, testCatalog[:1])
		require.ErrorIs(t, err, qmp.ErrContractViolation)
		assert.ErrorContains(t, err, "virtio-blk (1AF4:1042)")
	})
}

func TestPreflightTransitional(t *testing.T) {
	t.Run("wrong revision passes", func(t *testing.T) {
		blk := rev(0x00)
		blk.DeviceID = 0x1042

		_, err := qmp.Preflight(
			qmp.ContractTransitional,
			[]qmp.PCIDevice{blk},
			testCatalog[:1],
		)
		require.NoError(t, err)
	})

	t.Run("transitional id passes", func(t *testing.T) {
		blk := qmp.PCIDevice{VendorID: qmp.VirtioVendorID, DeviceID: 0x1001}

		_, err := qmp.Preflight(
			qmp.ContractTransitional,
			[]qmp.PCIDevice{blk},
			testCatalog[:1],
		)
		require.NoError(t, err)
	})

	t.Run("absent device fails", func(t *testing.T) {
		_, err := qmp.Preflight(qmp.ContractTransitional, nil, testCatalog[:1])
		require.ErrorIs(t, err, qmp.ErrContractViolation)
		assert.ErrorContains(t, err, "virtio-blk")
	})
}

func TestPreflightUnknownMode(t *testing.T) {
	_, err := qmp.Preflight("contract-v2", nil, testCatalog)
	require.ErrorContains(t, err, "unknown contract mode")
}
