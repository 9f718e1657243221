package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMin(t *testing.T) {
	assert.Equal(t, uint64(2), Min(2, 3))
	assert.Equal(t, uint64(2), Min(3, 2))
	assert.Equal(t, uint64(2), Min(2, 2))
}

func TestRoundUp(t *testing.T) {
	assert.Equal(t, uint64(4), RoundUp(10, 3))
	assert.Equal(t, uint64(3), RoundUp(9, 3), "exact division")
	assert.Equal(t, uint64(0), RoundUp(0, 3))
	assert.Equal(t, uint64(5), RoundUp(4096*4+4095, 4096))
	assert.Equal(t, uint64(5), RoundUp(4096*4+1, 4096), "round up by sz-1")
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(0), AlignUp(0, 8))
	assert.Equal(t, uint64(8), AlignUp(1, 8))
	assert.Equal(t, uint64(8), AlignUp(8, 8))
	assert.Equal(t, uint64(16), AlignUp(9, 8))
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(false)
	assert.NoError(t, err)
	assert.NotNil(t, logger)

	debugLogger, err := NewLogger(true)
	assert.NoError(t, err)
	assert.NotNil(t, debugLogger)
}
