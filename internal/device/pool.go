// Package device enumerates the devices of a driver and owns one execution
// context and one stream pool per device.
package device

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fxnlabs/weft/internal/gpu"
)

// ErrNoDevices is returned by NewPool when the driver exposes no device.
var ErrNoDevices = errors.New("no devices available")

// Options bound the stream pools.
type Options struct {
	// DefaultConcurrency is the capacity for capability versions missing from
	// the table. Values below 1 mean DefaultConcurrency.
	DefaultConcurrency int

	// MaxStreamsPerDevice caps the table value. 0 means no cap.
	MaxStreamsPerDevice int
}

// Device is one enumerated device.
type Device struct {
	index   int
	info    gpu.DeviceInfo
	ctx     gpu.Context
	streams *StreamPool
}

func (d *Device) Index() int           { return d.index }
func (d *Device) Info() gpu.DeviceInfo { return d.info }
func (d *Device) Context() gpu.Context { return d.ctx }
func (d *Device) Streams() *StreamPool { return d.streams }

// Pool holds every device of a driver.
type Pool struct {
	log     *zap.Logger
	driver  gpu.Driver
	devices []*Device
}

// NewPool enumerates the driver's devices, creating a context and the full
// stream pool for each of them concurrently. Any failure, including a driver
// with zero devices, is returned and leaves nothing allocated.
func NewPool(log *zap.Logger, driver gpu.Driver, opts Options) (*Pool, error) {
	log = log.Named("device")

	count, err := driver.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	if count == 0 {
		return nil, ErrNoDevices
	}

	devices := make([]*Device, count)
	var g errgroup.Group
	for i := 0; i < count; i++ {
		g.Go(func() error {
			d, err := openDevice(driver, i, opts)
			if err != nil {
				return fmt.Errorf("device %d: %w", i, err)
			}
			devices[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var cleanup error
		for _, d := range devices {
			if d != nil {
				cleanup = multierr.Append(cleanup, d.close())
			}
		}
		return nil, multierr.Append(err, cleanup)
	}

	for _, d := range devices {
		log.Info("Device ready",
			zap.Int("index", d.index),
			zap.String("name", d.info.Name),
			zap.String("computeCapability", d.info.ComputeCapability()),
			zap.Int64("totalMemory", d.info.TotalMemory),
			zap.Int("streams", d.streams.Cap()),
		)
	}
	return &Pool{log: log, driver: driver, devices: devices}, nil
}

func openDevice(driver gpu.Driver, ordinal int, opts Options) (*Device, error) {
	info, err := driver.DeviceInfo(ordinal)
	if err != nil {
		return nil, err
	}
	n := MaxConcurrency(info.Major, info.Minor, opts.DefaultConcurrency)
	if opts.MaxStreamsPerDevice > 0 && n > opts.MaxStreamsPerDevice {
		n = opts.MaxStreamsPerDevice
	}

	ctx, err := driver.CreateContext(ordinal)
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}
	streams := make([]gpu.Stream, 0, n)
	for len(streams) < n {
		s, err := ctx.NewStream()
		if err != nil {
			for _, s := range streams {
				_ = s.Destroy()
			}
			return nil, multierr.Append(fmt.Errorf("create stream: %w", err), ctx.Destroy())
		}
		streams = append(streams, s)
	}
	return &Device{
		index:   ordinal,
		info:    info,
		ctx:     ctx,
		streams: newStreamPool(ordinal, streams),
	}, nil
}

func (d *Device) close() error {
	var errs error
	for _, s := range d.streams.streams {
		errs = multierr.Append(errs, s.Destroy())
	}
	return multierr.Append(errs, d.ctx.Destroy())
}

// Devices returns the devices in index order.
func (p *Pool) Devices() []*Device { return p.devices }

func (p *Pool) Len() int { return len(p.devices) }

// TotalStreams returns the sum of all stream pool capacities.
func (p *Pool) TotalStreams() int {
	n := 0
	for _, d := range p.devices {
		n += d.streams.Cap()
	}
	return n
}

// Close destroys every stream and context.
func (p *Pool) Close() error {
	var errs error
	for _, d := range p.devices {
		errs = multierr.Append(errs, d.close())
	}
	p.log.Info("Device pool closed", zap.Int("devices", len(p.devices)))
	return errs
}
