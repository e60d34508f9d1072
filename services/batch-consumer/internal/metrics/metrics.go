// services/batch-consumer/internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	commonprom "github.com/YaganovValera/batch-retry/common/prometheus"
)

// Метрики создаются сразу, регистрируются в Register; до регистрации
// они просто не экспортируются.
var (
	once      sync.Once
	gaugeOnce sync.Once

	ProcessedBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "batch_consumer", Subsystem: "processor", Name: "processed_batches_total",
		Help: "Batches processed successfully",
	})
	ProcessedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "batch_consumer", Subsystem: "processor", Name: "processed_messages_total",
		Help: "Messages in successfully processed batches",
	})
	ProcessErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batch_consumer", Subsystem: "processor", Name: "process_errors_total",
		Help: "Failed batch processing attempts by failure kind",
	}, []string{"kind"})
	ProcessLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "batch_consumer", Subsystem: "processor", Name: "process_latency_seconds",
		Help:    "Latency of a single batch processing attempt",
		Buckets: prometheus.DefBuckets,
	})
)

// Register registers all metrics exactly once.
// If r == nil, uses prometheus.DefaultRegisterer; duplicate registrations are ignored.
func Register(r prometheus.Registerer) {
	once.Do(func() {
		commonprom.MustRegister(r,
			ProcessedBatches,
			ProcessedMessages,
			ProcessErrors,
			ProcessLatency,
		)
	})
}

// TrackFailingBatches экспортирует число пачек в состоянии повторной
// доставки по всем контекстам выполнения.
func TrackFailingBatches(r prometheus.Registerer, count func() int) {
	gaugeOnce.Do(func() {
		commonprom.MustRegister(r, FailingBatches(count))
	})
}

// FailingBatches строит gauge поверх count без регистрации.
func FailingBatches(count func() int) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "batch_consumer", Subsystem: "retry", Name: "failing_batches",
		Help: "Batches currently held in retry state across execution contexts",
	}, func() float64 { return float64(count()) })
}
