package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestWeftMetrics(t *testing.T) {
	t.Run("LiveHandles", func(t *testing.T) {
		LiveHandles.WithLabelValues("memory").Set(3)
		assert.Equal(t, float64(3), testutil.ToFloat64(LiveHandles.WithLabelValues("memory")))
	})

	t.Run("DroppedBlocks", func(t *testing.T) {
		before := testutil.ToFloat64(DroppedBlocks)
		DroppedBlocks.Add(1)
		assert.Equal(t, before+1, testutil.ToFloat64(DroppedBlocks))
	})

	t.Run("Launches", func(t *testing.T) {
		before := testutil.ToFloat64(Launches.WithLabelValues(OutcomeFailure))
		Launches.WithLabelValues(OutcomeFailure).Inc()
		assert.Equal(t, before+1, testutil.ToFloat64(Launches.WithLabelValues(OutcomeFailure)))
	})

	t.Run("LaunchDuration", func(t *testing.T) {
		// Just verify no panic occurs
		assert.NotPanics(t, func() {
			LaunchDuration.Observe(12.5)
		})
	})

	t.Run("StreamsInUse", func(t *testing.T) {
		g := StreamsInUse.WithLabelValues("0")
		g.Inc()
		g.Inc()
		g.Dec()
		assert.Equal(t, float64(1), testutil.ToFloat64(g))
		g.Dec()
	})
}

func TestMetricsRegistration(t *testing.T) {
	// Ensure all metrics are properly registered
	metrics := []prometheus.Collector{
		LiveHandles,
		BytesUploaded,
		BytesWrittenBack,
		DeviceBuffers,
		ModuleLoads,
		Launches,
		LaunchDuration,
		DroppedBlocks,
		StreamsInUse,
		StreamCapacity,
	}

	for _, metric := range metrics {
		// Registering again must report the collector as already registered.
		err := prometheus.Register(metric)
		var are prometheus.AlreadyRegisteredError
		assert.ErrorAs(t, err, &are)
	}
}

func TestMiddleware(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), "/test")

	before := testutil.ToFloat64(EndpointResponses.WithLabelValues("/test", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(EndpointResponses.WithLabelValues("/test", "418")))
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(prometheus.DefaultGatherer).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "weft_launch_dropped_blocks_total")

	rec = httptest.NewRecorder()
	before := testutil.ToFloat64(EndpointResponses.WithLabelValues("/healthz", "200"))
	Handler(prometheus.DefaultGatherer).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, before+1, testutil.ToFloat64(EndpointResponses.WithLabelValues("/healthz", "200")))
}

func BenchmarkMetricsObservation(b *testing.B) {
	b.Run("ObserveDuration", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			LaunchDuration.Observe(float64(i % 1000))
		}
	})

	b.Run("IncCounter", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			Launches.WithLabelValues(OutcomeSuccess).Inc()
		}
	})
}
