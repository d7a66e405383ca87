package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_endpoint_responses_total",
		Help: "The total number of HTTP endpoint responses",
	}, []string{"endpoint", "status_code"})

	// Registry Metrics
	LiveHandles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "weft_live_handles",
		Help: "Number of live handles per registry",
	}, []string{"registry"})

	// Memory Metrics
	BytesUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_memory_uploaded_bytes_total",
		Help: "Bytes copied from host buffers to device buffers",
	})

	BytesWrittenBack = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_memory_written_back_bytes_total",
		Help: "Bytes merged from device buffers into host buffers",
	})

	DeviceBuffers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "weft_memory_device_buffers",
		Help: "Number of device-resident buffers per device",
	}, []string{"device"})

	// Kernel Metrics
	ModuleLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_module_loads_total",
		Help: "Number of device module compilations, by device",
	}, []string{"device"})

	// Launch Metrics
	Launches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_launches_total",
		Help: "Number of scheduled launches by outcome",
	}, []string{"outcome"})

	LaunchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "weft_launch_duration_ms",
		Help:    "Duration of scheduled launches in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 16), // 0.5ms to ~16s
	})

	DroppedBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_launch_dropped_blocks_total",
		Help: "Grid blocks left unscheduled because the grid did not divide evenly across devices",
	})

	// Device Metrics
	StreamsInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "weft_device_streams_in_use",
		Help: "Streams currently acquired per device",
	}, []string{"device"})

	StreamCapacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "weft_device_stream_capacity",
		Help: "Stream pool capacity per device",
	}, []string{"device"})
)

// Launch outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
