package device

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fxnlabs/weft/internal/gpu"
	"github.com/fxnlabs/weft/internal/metrics"
)

// StreamPool is a fixed set of streams shared by the launches on one device.
// Acquire blocks while every stream is taken; Release never blocks.
type StreamPool struct {
	free    chan gpu.Stream
	streams []gpu.Stream
	inUse   prometheus.Gauge
}

func newStreamPool(ordinal int, streams []gpu.Stream) *StreamPool {
	p := &StreamPool{
		free:    make(chan gpu.Stream, len(streams)),
		streams: streams,
		inUse:   metrics.StreamsInUse.WithLabelValues(strconv.Itoa(ordinal)),
	}
	for _, s := range streams {
		p.free <- s
	}
	metrics.StreamCapacity.WithLabelValues(strconv.Itoa(ordinal)).Set(float64(len(streams)))
	return p
}

// Acquire takes a stream, waiting until one is released or ctx is done.
func (p *StreamPool) Acquire(ctx context.Context) (gpu.Stream, error) {
	select {
	case s := <-p.free:
		p.inUse.Inc()
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a stream obtained from Acquire.
func (p *StreamPool) Release(s gpu.Stream) {
	p.inUse.Dec()
	// The channel holds every stream of the pool, so this send has room.
	p.free <- s
}

// Cap returns the number of streams in the pool.
func (p *StreamPool) Cap() int { return len(p.streams) }

// Available returns the number of streams not currently acquired.
func (p *StreamPool) Available() int { return len(p.free) }
