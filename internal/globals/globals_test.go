package globals

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinerBlockedDefaultsFalse(t *testing.T) {
	var m MinerBlocked
	assert.False(t, m.Get())
	m.Set(true)
	assert.True(t, m.Get())
	m.Set(false)
	assert.False(t, m.Get())
}

func TestKeepRunningDefaultsTrue(t *testing.T) {
	k := NewKeepRunning()
	assert.True(t, k.ShouldKeepRunning())
	k.Stop()
	assert.False(t, k.ShouldKeepRunning())
}
