// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package qemu_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aero-vm/virtioconf/internal/qemu"
)

func TestBuildArgumentStrings(t *testing.T) {
	t.Run("builds", func(t *testing.T) {
		args := []qemu.Argument{
			qemu.UniqueArg("machine", "pc"),
			qemu.UniqueArg("no-reboot"),
			qemu.RepeatableArg("device", "virtio-blk-pci"),
			qemu.RepeatableArg("device", "virtio-net-pci"),
		}
		expected := []string{
			"-machine", "pc",
			"-no-reboot",
			"-device", "virtio-blk-pci",
			"-device", "virtio-net-pci",
		}

		built, err := qemu.BuildArgumentStrings(args)
		require.NoError(t, err)
		assert.Equal(t, expected, built)
	})

	t.Run("unique collision", func(t *testing.T) {
		args := []qemu.Argument{
			qemu.UniqueArg("machine", "pc"),
			qemu.UniqueArg("machine", "q35"),
		}

		_, err := qemu.BuildArgumentStrings(args)
		require.ErrorIs(t, err, qemu.ErrArgumentCollision)
	})

	t.Run("repeatable value collision", func(t *testing.T) {
		args := []qemu.Argument{
			qemu.RepeatableArg("device", "virtio-blk-pci"),
			qemu.RepeatableArg("device", "virtio-blk-pci"),
		}

		_, err := qemu.BuildArgumentStrings(args)
		require.ErrorIs(t, err, qemu.ErrArgumentCollision)
	})
}

func TestDeviceArg(t *testing.T) {
	spec := qemu.NewDeviceSpec("virtio-net-pci")
	spec.AddOrSkip("netdev", "net0")

	arg := qemu.DeviceArg(spec)
	assert.Equal(t, "device", arg.Name())
	assert.Equal(t, "virtio-net-pci,netdev=net0", arg.Value())
}
