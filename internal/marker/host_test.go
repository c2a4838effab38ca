// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package marker_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aero-vm/virtioconf/internal/marker"
)

func TestFormatHost(t *testing.T) {
	fields := []marker.Field{
		{Key: "zeta", Value: "9"},
		{Key: "mode", Value: "msix"},
		{Key: "alpha", Value: "1"},
		{Key: "run_id", Value: "r-1"},
	}

	line := marker.FormatHost(
		"VIRTIO_NET",
		marker.StatusPass,
		fields,
		[]string{"run_id", "mode"},
	)

	expected := "AERO_VIRTIO_WIN7_HOST|VIRTIO_NET|PASS" +
		"|run_id=r-1|mode=msix|alpha=1|zeta=9"
	assert.Equal(t, expected, line)
}

func TestSanitizeValue(t *testing.T) {
	assert.Equal(
		t,
		"a_b_c_d",
		marker.SanitizeValue("a|b\nc\rd"),
	)
}

func TestHostName(t *testing.T) {
	assert.Equal(t, "VIRTIO_BLK", marker.HostName("virtio-blk"))
	assert.Equal(t, "VIRTIO_NET_IRQ", marker.HostName("virtio-net-irq"))
}

func TestEmitterMirror(t *testing.T) {
	var buf strings.Builder

	emitter := marker.NewEmitter(&buf, "r-42")

	m, err := marker.ParseGuest(
		prefix + "TEST|virtio-input|FAIL|reason=no-events|msg=hid idle|durms=1200",
	)
	require.NoError(t, err)

	require.NoError(t, emitter.Mirror(m))

	line := strings.TrimSuffix(buf.String(), "\n")

	assert.True(
		t,
		strings.HasPrefix(line, "AERO_VIRTIO_WIN7_HOST|VIRTIO_INPUT|FAIL|"),
		line,
	)
	// run_id and remapped base fields first, extras sorted.
	assert.Contains(t, line, "run_id=r-42")
	assert.Contains(t, line, "reason=no-events")
	assert.Contains(t, line, "detail=hid idle")
	assert.Contains(t, line, "duration_ms=1200")

	// Deterministic: extras must be in sorted key order.
	detailIdx := strings.Index(line, "detail=")
	durationIdx := strings.Index(line, "duration_ms=")
	assert.Less(t, detailIdx, durationIdx)
}

func TestEmitterSanitizes(t *testing.T) {
	var buf strings.Builder

	emitter := marker.NewEmitter(&buf, "r-1")

	err := emitter.Emit(
		"RUN_RESULT",
		marker.StatusFail,
		marker.Field{Key: "failed", Value: "a|b\nc"},
	)
	require.NoError(t, err)

	assert.Equal(
		t,
		"AERO_VIRTIO_WIN7_HOST|RUN_RESULT|FAIL|run_id=r-1|failed=a_b_c\n",
		buf.String(),
	)
}
