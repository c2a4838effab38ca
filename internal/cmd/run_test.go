// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package cmd_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aero-vm/virtioconf/internal/cmd"
)

func writeTestProfile(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")

	profile := `
image:
  path: /images/win7.qcow2
serial_log: ` + filepath.Join(dir, "serial.log") + `
devices:
  - driver: virtio-blk-pci
    feature: virtio-blk
    pci_device_id: 0x1042
`

	require.NoError(t, os.WriteFile(path, []byte(profile), 0o644))

	return path
}

func TestRunDryRun(t *testing.T) {
	profile := writeTestProfile(t)

	var stdout, stderr strings.Builder

	code := cmd.Run(
		context.Background(),
		[]string{"virtioconf", "-profile", profile, "-dry-run"},
		cmd.IO{Stdout: &stdout, Stderr: &stderr},
	)

	assert.Equal(t, cmd.ExitSuccess, code)

	lines := strings.Split(strings.TrimRight(stdout.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var argv []string
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &argv))
	assert.Contains(t, argv, "-no-reboot")
}

func TestRunMissingProfile(t *testing.T) {
	var stdout, stderr strings.Builder

	code := cmd.Run(
		context.Background(),
		[]string{"virtioconf", "-profile", "/does/not/exist.yaml"},
		cmd.IO{Stdout: &stdout, Stderr: &stderr},
	)

	assert.Equal(t, cmd.ExitFailure, code)
	assert.Contains(t, stderr.String(), "VIRTIOCONF-ERROR:")
}

func TestRunBadFlag(t *testing.T) {
	var stdout, stderr strings.Builder

	code := cmd.Run(
		context.Background(),
		[]string{"virtioconf", "-no-such-flag"},
		cmd.IO{Stdout: &stdout, Stderr: &stderr},
	)

	assert.Equal(t, cmd.ExitFailure, code)
}

func TestRunContractOverrideValidation(t *testing.T) {
	profile := writeTestProfile(t)

	var stdout, stderr strings.Builder

	code := cmd.Run(
		context.Background(),
		[]string{
			"virtioconf",
			"-profile", profile,
			"-contract", "contract-v2",
			"-dry-run",
		},
		cmd.IO{Stdout: &stdout, Stderr: &stderr},
	)

	assert.Equal(t, cmd.ExitFailure, code)
	assert.Contains(t, stderr.String(), "contract")
}
