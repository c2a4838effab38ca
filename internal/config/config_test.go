// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aero-vm/virtioconf/internal/config"
)

const validProfile = `
machine:
  binary: qemu-system-x86_64
  cpu: qemu64
image:
  path: /images/win7.qcow2
  format: qcow2
control:
  address: 127.0.0.1:4444
  contract: contract-v1
serial_log: /tmp/run/serial.log
timeout: 90s
devices:
  - driver: virtio-blk-pci
    feature: virtio-blk
    pci_device_id: 0x1042
    pci_transitional_id: 0x1001
    vectors: 4
    props:
      - drive=d0
  - driver: virtio-net-pci
    feature: virtio-net
    pci_device_id: 0x1041
    pci_transitional_id: 0x1000
    props:
      - netdev=net0
require:
  result: true
  features:
    - name: virtio-blk
      flag: --with-blk
  irq:
    - device: virtio-net
      strength: msix
  offload:
    - device: virtio-net
echo:
  udp_port: 7777
`

func writeProfile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad(t *testing.T) {
	profile, err := config.Load(writeProfile(t, validProfile))
	require.NoError(t, err)

	assert.Equal(t, "qemu-system-x86_64", profile.Machine.Binary)
	assert.Equal(t, "pc", profile.Machine.Type, "defaulted")
	assert.Equal(t, uint64(2048), profile.Machine.MemoryMB, "defaulted")
	assert.Equal(t, 90*time.Second, profile.Timeout.Std())
	assert.False(t, profile.Image.NoSnapshot, "snapshot is the default")

	require.Len(t, profile.Devices, 2)
	assert.Equal(t, uint16(0x1042), profile.Devices[0].PCIDeviceID)
	assert.Equal(t, []string{"drive=d0"}, profile.Devices[0].Props)

	require.Len(t, profile.Require.IRQ, 1)
	assert.Equal(t, "msix", profile.Require.IRQ[0].Strength)
	require.Len(t, profile.Require.Offload, 1)
	assert.Equal(t, "virtio-net", profile.Require.Offload[0].Device)
	assert.True(t, profile.Require.Result)

	assert.Equal(t, 7777, profile.Echo.UDPPort)
	assert.Equal(t, 0, profile.Echo.TCPPort)
	assert.Equal(t, "10.0.2.100:7", profile.Echo.GuestTCP, "defaulted")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := config.Load(writeProfile(t, `
image:
  path: /images/win7.qcow2
mahcine:
  binary: qemu
`))
	require.ErrorContains(t, err, "mahcine")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*config.Profile)
		errContains string
	}{
		{
			name:        "missing image",
			mutate:      func(p *config.Profile) { p.Image.Path = "" },
			errContains: "image.path",
		},
		{
			name: "unknown contract",
			mutate: func(p *config.Profile) {
				p.Control.Contract = "contract-v2"
			},
			errContains: "contract",
		},
		{
			name: "vectors with disable_msix",
			mutate: func(p *config.Profile) {
				p.Devices[0].Vectors = 4
				p.Devices[0].DisableMSIX = true
			},
			errContains: "disable_msix",
		},
		{
			name: "duplicate feature",
			mutate: func(p *config.Profile) {
				p.Devices[1].Feature = p.Devices[0].Feature
			},
			errContains: "duplicate feature",
		},
		{
			name: "bare prop",
			mutate: func(p *config.Profile) {
				p.Devices[0].Props = []string{"oops"}
			},
			errContains: "not key=value",
		},
		{
			name: "irq for unknown device",
			mutate: func(p *config.Profile) {
				p.Require.IRQ = []config.IRQRequirement{{Device: "virtio-gpu"}}
			},
			errContains: "unknown device",
		},
		{
			name: "bad irq strength",
			mutate: func(p *config.Profile) {
				p.Require.IRQ[0].Strength = "legacy"
			},
			errContains: "irq strength",
		},
		{
			name: "offload for unknown device",
			mutate: func(p *config.Profile) {
				p.Require.Offload = []config.OffloadRequirement{
					{Device: "virtio-gpu"},
				}
			},
			errContains: "unknown device",
		},
		{
			name: "echo port out of range",
			mutate: func(p *config.Profile) {
				p.Echo.TCPPort = 70000
			},
			errContains: "echo port",
		},
		{
			name: "bad guest_tcp address",
			mutate: func(p *config.Profile) {
				p.Echo.GuestTCP = "10.0.2.100"
			},
			errContains: "guest_tcp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profile, err := config.Load(writeProfile(t, validProfile))
			require.NoError(t, err)

			tt.mutate(profile)

			err = profile.Validate()
			require.ErrorIs(t, err, config.ErrProfileInvalid)
			assert.ErrorContains(t, err, tt.errContains)
		})
	}
}
