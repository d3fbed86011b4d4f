package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotResolveThenGet(t *testing.T) {
	slot := NewSlot[string]()
	assert.False(t, slot.Resolved())

	require.NoError(t, slot.Resolve("search"))
	assert.True(t, slot.Resolved())

	v, err := slot.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "search", v)
	assert.Equal(t, "search", slot.MustGet())
}

func TestSlotGetBeforeResolve(t *testing.T) {
	slot := NewSlot[int]()

	var wg sync.WaitGroup
	values := make([]int, 2)
	for i := range values {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := slot.Get(context.Background())
			assert.NoError(t, err)
			values[i] = v
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, slot.Resolve(7))
	wg.Wait()

	assert.Equal(t, []int{7, 7}, values)
}

func TestSlotDoubleResolve(t *testing.T) {
	slot := NewSlot[int]()
	require.NoError(t, slot.Resolve(1))
	assert.ErrorIs(t, slot.Resolve(2), ErrAlreadyResolved)

	v, err := slot.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestSlotZeroValueResolution(t *testing.T) {
	// Resolving with the zero value still counts as resolved; waiters must
	// not confuse it with "not yet available".
	slot := NewSlot[*int]()
	require.NoError(t, slot.Resolve(nil))
	assert.True(t, slot.Resolved())

	v, err := slot.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSlotGetHonorsContext(t *testing.T) {
	slot := NewSlot[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := slot.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSlotMustGetPanicsUnresolved(t *testing.T) {
	slot := NewSlot[int]()
	assert.Panics(t, func() { slot.MustGet() })
}
