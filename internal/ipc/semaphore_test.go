package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreTakeGive(t *testing.T) {
	sem := NewSemaphore("test", 1, FIFO)
	require.Equal(t, Granted, sem.Take())

	done := make(chan TakeResult, 1)
	go func() { done <- sem.Take() }()

	select {
	case <-done:
		t.Fatal("take should have blocked with no units available")
	case <-time.After(20 * time.Millisecond):
	}

	sem.Give()
	select {
	case r := <-done:
		assert.Equal(t, Granted, r)
	case <-time.After(time.Second):
		t.Fatal("blocked taker was never woken")
	}
}

func TestSemaphoreEndWakesAllTakers(t *testing.T) {
	sem := NewSemaphore("ended", 0, FIFO)
	results := make(chan TakeResult, 3)
	for i := 0; i < 3; i++ {
		go func() { results <- sem.Take() }()
	}
	time.Sleep(20 * time.Millisecond)
	sem.End()
	for i := 0; i < 3; i++ {
		require.Equal(t, Ended, <-results)
	}
	// Future takers also observe ended, without blocking.
	require.Equal(t, Ended, sem.Take())
}

func TestSemaphoreUnwedge(t *testing.T) {
	sem := NewSemaphore("wedged", 0, FIFO)
	timeout := make(chan struct{})
	done := make(chan TakeResult, 1)
	go func() { done <- sem.TakeTimeout(timeout) }()
	time.Sleep(10 * time.Millisecond)
	close(timeout)
	require.Equal(t, Ended, <-done)
	// TakeTimeout performs an implicit give on timeout, so a fresh take
	// should succeed immediately without a matching Give from the caller.
	require.Equal(t, Granted, sem.Take())
}

func TestTaskTableLifecycle(t *testing.T) {
	tbl := NewTaskTable()
	id := tbl.Self("clock")
	require.True(t, tbl.Exists(id))
	tbl.Kill(id)
	require.False(t, tbl.Exists(id))
	tbl.Delete(id)
	require.False(t, tbl.Exists(id))
}

func TestArgBufTableReserveRelease(t *testing.T) {
	tbl := NewArgBufTable()
	owner := TaskID("owner-1")
	slots, err := tbl.Reserve(owner, []string{"udplso", "10.0.0.1:1113", "4000000"})
	require.NoError(t, err)
	require.Len(t, slots, 3)
	assert.Equal(t, "10.0.0.1:1113", tbl.Slot(slots[1]))
	tbl.Release(owner)
	assert.Equal(t, "", tbl.Slot(slots[1]))
}
