package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_Submit(t *testing.T) {
	p := NewWorkerPool(2)
	defer p.Close()

	var ran atomic.Int32
	futures := make([]*Future[int], 10)
	for i := range futures {
		futures[i] = Submit(context.Background(), p, func(context.Context) (int, error) {
			ran.Add(1)
			return i * i, nil
		})
	}
	for i, f := range futures {
		v, err := f.Wait()
		require.NoError(t, err)
		assert.Equal(t, i*i, v)
	}
	assert.Equal(t, int32(10), ran.Load())

	boom := errors.New("boom")
	_, err := Submit(context.Background(), p, func(context.Context) (struct{}, error) {
		return struct{}{}, boom
	}).Wait()
	assert.ErrorIs(t, err, boom)
}

func TestWorkerPool_CancelledBeforeStart(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Bool
	_, err := Submit(ctx, p, func(context.Context) (int, error) {
		ran.Store(true)
		return 0, nil
	}).Wait()
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran.Load())
}

func TestWorkerPool_Closed(t *testing.T) {
	p := NewWorkerPool(1)
	p.Close()
	p.Close()

	_, err := Submit(context.Background(), p, func(context.Context) (int, error) { return 1, nil }).Wait()
	assert.ErrorIs(t, err, ErrPoolClosed)
}
