package counters

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenureCountersConcurrentIncrement(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IncBlocksBuilt()
			c.IncBroadcastOK()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), c.BlocksBuilt())
	assert.Equal(t, int64(100), c.BroadcastsOK())
	assert.Equal(t, int64(0), c.BroadcastsFailed())
}
