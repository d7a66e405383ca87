package handle

import (
	"sync"
	"testing"

	"github.com/fxnlabs/weft/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AllocateLookupRemove(t *testing.T) {
	r := NewRegistry[string]("block")

	h := r.Allocate("payload")
	v, err := r.Lookup(h)
	require.NoError(t, err)
	assert.Equal(t, "payload", v)
	assert.Equal(t, 1, r.Len())

	removed, err := r.Remove(h)
	require.NoError(t, err)
	assert.Equal(t, "payload", removed)

	_, err = r.Lookup(h)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.Contains(t, err.Error(), "block")

	_, err = r.Remove(h)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_RetriesOnCollision(t *testing.T) {
	draws := []uint64{7, 7, 7, 9}
	i := 0
	src := func() uint64 {
		v := draws[i]
		i++
		return v
	}
	r := NewRegistry[int]("module", WithSource(src))

	first := r.Allocate(1)
	second := r.Allocate(2)

	assert.Equal(t, Handle(7), first)
	assert.Equal(t, Handle(9), second)
	assert.Equal(t, 4, i, "colliding candidates must be redrawn")

	t.Run("zero is never issued", func(t *testing.T) {
		draws := []uint64{0, 0, 3}
		j := 0
		r := NewRegistry[int]("memory", WithSource(func() uint64 {
			v := draws[j]
			j++
			return v
		}))
		assert.Equal(t, Handle(3), r.Allocate(1))
	})
}

func TestRegistry_HandlesUniqueUnderConcurrency(t *testing.T) {
	// A tiny handle space forces collisions between concurrent callers.
	var mu sync.Mutex
	next := uint64(0)
	src := func() uint64 {
		mu.Lock()
		defer mu.Unlock()
		next = (next + 1) % 4096
		return next
	}
	r := NewRegistry[int]("function", WithSource(src))

	const workers, perWorker = 16, 200
	handles := make(chan Handle, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				handles <- r.Allocate(i)
			}
		}()
	}
	wg.Wait()
	close(handles)

	seen := make(map[Handle]struct{})
	for h := range handles {
		_, dup := seen[h]
		require.False(t, dup, "handle %s handed out twice", h)
		seen[h] = struct{}{}
	}
	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, workers*perWorker, r.Len())
}

func TestRegistry_CountHook(t *testing.T) {
	var counts []int
	r := NewRegistry[int]("block", WithCountHook(func(n int) { counts = append(counts, n) }))

	a := r.Allocate(1)
	r.Allocate(2)
	_, err := r.Remove(a)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 1}, counts)
}

func TestHandle_String(t *testing.T) {
	assert.Equal(t, "0xff", Handle(255).String())
}
