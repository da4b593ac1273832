package faults

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBlockPushFailProbabilityClamps(t *testing.T) {
	defer Reset()
	SetBlockPushFailProbability(250)
	assert.Equal(t, uint32(100), BlockPushFailProbability())
}

func TestConsumeForceParentNotFoundIsOneShot(t *testing.T) {
	defer Reset()
	ForceParentNotFound(true)
	assert.True(t, ConsumeForceParentNotFound())
	assert.False(t, ConsumeForceParentNotFound())
}

func TestInjectLongTenureIsANoOpWithNoDelayConfigured(t *testing.T) {
	defer Reset()
	start := time.Now()
	InjectLongTenure()
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestInjectLongTenureSleepsForTheConfiguredDelay(t *testing.T) {
	defer Reset()
	SetLongTenureDelay(20)
	start := time.Now()
	InjectLongTenure()
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestReset(t *testing.T) {
	SetBlockPushFailProbability(50)
	SetLongTenureDelay(10)
	ForceParentNotFound(true)
	Reset()
	assert.Equal(t, uint32(0), BlockPushFailProbability())
	assert.Equal(t, uint32(0), LongTenureDelayMs())
	assert.False(t, ConsumeForceParentNotFound())
}
