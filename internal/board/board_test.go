package board_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sky1-Linux/sky1-live-build/internal/board"
)

func TestDetect(t *testing.T) {
	b, ok := board.Detect("radxa,orion-o6\x00cix,sky1")
	require.True(t, ok)
	assert.Equal(t, "orion-o6", b.Name)

	b, ok = board.Detect("cix,cd8180-crb\x00cix,sky1")
	require.True(t, ok)
	assert.Equal(t, "cd8180-crb", b.Name)

	_, ok = board.Detect("raspberrypi,4-model-b\x00brcm,bcm2711")
	assert.False(t, ok)
}

func TestAllHaveDTBs(t *testing.T) {
	boards := board.All()
	require.Len(t, boards, 3)
	for _, b := range boards {
		assert.NotEmpty(t, b.DTB)
		assert.NotEmpty(t, b.Compatible)
	}
}
