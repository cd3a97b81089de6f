package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "matmul_dispatch_duration_ms",
		Help:    "Duration of a matrix multiplication dispatch, upload to read-back, in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.125, 2, 18), // 0.125ms to ~16s
	})

	OutputElements = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matmul_output_elements",
		Help: "Number of elements of C in the last multiplication",
	})

	InnerDimension = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matmul_inner_dimension",
		Help: "Inner dimension (width of A, height of B) of the last multiplication",
	})

	GFLOPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matmul_gflops",
		Help: "Performance of the last matrix multiplication in GFLOPS",
	})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matmul_dispatches_total",
		Help: "Total number of successful dispatches by backend and device type",
	}, []string{"backend", "device_type"})

	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matmul_stage_failures_total",
		Help: "Total number of pipeline failures by stage",
	}, []string{"stage"})

	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matmul_verifications_total",
		Help: "Total number of result verifications by outcome",
	}, []string{"result"})

	// Device Metrics
	DeviceMemoryTotalBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "device_memory_total_bytes",
		Help: "Global memory of the compute device in bytes",
	})

	DeviceComputeUnits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "device_compute_units",
		Help: "Compute units of the compute device",
	})
)

// WriteTextfile writes every registered metric to path in the Prometheus text format,
// for collection by the node exporter textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
