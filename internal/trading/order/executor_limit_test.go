package order

import (
	"sync"
	"testing"

	"grid_trader/internal/core"

	"github.com/stretchr/testify/assert"
)

func TestRecordError_BoundedGrowth(t *testing.T) {
	oe, _ := newTestExecutor(t)

	for i := 0; i < 10000; i++ {
		oe.recordError()
	}

	oe.errorMu.Lock()
	count := len(oe.errorTimestamps)
	oe.errorMu.Unlock()

	assert.LessOrEqual(t, count, 1000)
}

func TestRecordError_ConcurrentRecording(t *testing.T) {
	oe, _ := newTestExecutor(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				oe.recordError()
			}
		}()
	}
	wg.Wait()

	oe.errorMu.Lock()
	count := len(oe.errorTimestamps)
	oe.errorMu.Unlock()

	assert.LessOrEqual(t, count, 1000)
}

func TestLimiterFor_SharedPerCredential(t *testing.T) {
	a := core.Credentials{APIKey: "shared-key", APISecret: "shared-secret"}
	b := core.Credentials{APIKey: "other-key", APISecret: "other-secret"}

	assert.Same(t, LimiterFor(a), LimiterFor(a))
	assert.NotSame(t, LimiterFor(a), LimiterFor(b))
}
