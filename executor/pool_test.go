package executor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsTasks(t *testing.T) {
	p := NewPool(4)
	defer p.Stop()

	var counter atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, p.Schedule(func() {
			counter.Add(1)
			wg.Done()
		}))
	}

	wg.Wait()
	assert.Equal(t, int64(100), counter.Load())
}

func TestPool_SingleWorkerOrdering(t *testing.T) {
	p := NewPool(1)
	defer p.Stop()

	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Schedule(func() {
			order = append(order, i)
			wg.Done()
		}))
	}

	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestPool_StopRejectsNewTasks(t *testing.T) {
	p := NewPool(1)
	p.Stop()

	err := p.Schedule(func() {})
	assert.ErrorIs(t, err, ErrStopped)

	// Stop is idempotent.
	assert.NotPanics(t, p.Stop)
}

func TestPool_StopDrainsQueuedTasks(t *testing.T) {
	p := NewPool(1)

	var ran atomic.Bool
	require.NoError(t, p.Schedule(func() {
		time.Sleep(10 * time.Millisecond)
		ran.Store(true)
	}))

	p.Stop()
	assert.True(t, ran.Load())
}
