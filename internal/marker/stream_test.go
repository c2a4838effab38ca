// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package marker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aero-vm/virtioconf/internal/marker"
)

const prefix = marker.GuestPrefix + "|"

func TestFeed(t *testing.T) {
	tests := []struct {
		name     string
		chunks   []string
		expected string
	}{
		{
			name:     "single line",
			chunks:   []string{prefix + "TEST|virtio-blk|PASS\n"},
			expected: prefix + "TEST|virtio-blk|PASS",
		},
		{
			name: "last match wins",
			chunks: []string{
				prefix + "TEST|virtio-net|PASS|mode=msi\n",
				"noise in between\n",
				prefix + "TEST|virtio-net|PASS|mode=msix\n",
			},
			expected: prefix + "TEST|virtio-net|PASS|mode=msix",
		},
		{
			name: "split mid prefix",
			chunks: []string{
				"AERO_VIRT",
				"IO_SELFTEST|TEST|virtio-blk|PASS\n",
			},
			expected: prefix + "TEST|virtio-blk|PASS",
		},
		{
			name: "crlf and cr only",
			chunks: []string{
				prefix + "TEST|a|PASS\r\n" + prefix + "TEST|b|PASS\r",
			},
			expected: prefix + "TEST|b|PASS",
		},
		{
			name: "crlf split between chunks",
			chunks: []string{
				prefix + "TEST|a|PASS\r",
				"\n" + prefix + "TEST|b|FAIL\n",
			},
			expected: prefix + "TEST|b|FAIL",
		},
		{
			name: "unterminated line stays in carry",
			chunks: []string{
				prefix + "TEST|a|PASS\n" + prefix + "TEST|b|FAIL",
			},
			expected: prefix + "TEST|a|PASS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := marker.TailState{}
			for _, chunk := range tt.chunks {
				state = marker.Feed(state, []byte(chunk), prefix)
			}

			assert.Equal(t, tt.expected, state.Last)
		})
	}
}

func TestFeedChunkBoundaryEquivalence(t *testing.T) {
	stream := "boot noise\r\n" +
		prefix + "START|version=1\n" +
		prefix + "TEST|virtio-net|PASS|mode=msi\r" +
		"virtio-net-irq|INFO|mode=msix|vectors=3\r\n" +
		prefix + "TEST|virtio-net|PASS|mode=msix\n" +
		"trailing"

	whole := marker.Feed(marker.TailState{}, []byte(stream), prefix)

	for split := 0; split <= len(stream); split++ {
		state := marker.Feed(marker.TailState{}, []byte(stream[:split]), prefix)
		state = marker.Feed(state, []byte(stream[split:]), prefix)

		assert.Equal(t, whole.Last, state.Last, "split at %d", split)
		assert.Equal(t, whole.Carry, state.Carry, "split at %d", split)
	}
}

func TestExtractLastMatching(t *testing.T) {
	tests := []struct {
		name        string
		buf         string
		expected    string
		assertFound assert.BoolAssertionFunc
	}{
		{
			name:        "none",
			buf:         "no markers at all\n",
			assertFound: assert.False,
		},
		{
			name:        "terminated",
			buf:         prefix + "RESULT|PASS\n",
			expected:    prefix + "RESULT|PASS",
			assertFound: assert.True,
		},
		{
			name:        "unterminated final line counts",
			buf:         "noise\n" + prefix + "RESULT|FAIL",
			expected:    prefix + "RESULT|FAIL",
			assertFound: assert.True,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last, found := marker.ExtractLastMatching([]byte(tt.buf), prefix)
			tt.assertFound(t, found)
			assert.Equal(t, tt.expected, last)
		})
	}
}

func TestTailBuffer(t *testing.T) {
	buf := marker.NewTailBuffer(8)

	_, err := buf.Write([]byte("0123"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("0123"), buf.Bytes())

	_, err = buf.Write([]byte("456789ab"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("456789ab"), buf.Bytes())
}
