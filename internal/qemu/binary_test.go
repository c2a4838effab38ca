// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package qemu_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aero-vm/virtioconf/internal/qemu"
)

func TestResolveBinary(t *testing.T) {
	dir := t.TempDir()

	executable := filepath.Join(dir, "qemu-system-fake")
	err := os.WriteFile(executable, []byte("#!/bin/sh\n"), 0o755)
	require.NoError(t, err)

	tests := []struct {
		name        string
		binary      string
		expectedErr error
	}{
		{
			name:        "empty path",
			binary:      "",
			expectedErr: qemu.ErrBinaryPathEmpty,
		},
		{
			name:        "directory",
			binary:      dir,
			expectedErr: qemu.ErrBinaryIsDirectory,
		},
		{
			name:        "not on PATH",
			binary:      "qemu-system-does-not-exist",
			expectedErr: qemu.ErrBinaryNotOnPath,
		},
		{
			name:        "path missing",
			binary:      filepath.Join(dir, "absent"),
			expectedErr: qemu.ErrBinaryMissing,
		},
		{
			name:   "explicit path",
			binary: executable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := qemu.ResolveBinary(tt.binary)

			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
				require.ErrorIs(t, err, &qemu.BinaryError{})

				return
			}

			require.NoError(t, err)
			assert.Equal(t, executable, resolved)
		})
	}
}
