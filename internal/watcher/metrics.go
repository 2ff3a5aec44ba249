package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Причины потери события (label reason у EventsDropped)
const (
	DropQueueFull     = "queue_full"     // очередь переполнена, load shedding
	DropPersistFailed = "persist_failed" // бюджет повторов Store исчерпан
	DropDrainDeadline = "drain_deadline" // не успели дописать до дедлайна остановки
)

type Metrics struct {
	// Traffic: сколько уведомлений принято в очередь, по типам
	EventsObserved *prometheus.CounterVec

	// Сколько строк реально легло в журнал
	RowsPersisted prometheus.Counter

	// Errors: классификация потерь. Инвариант пайплайна:
	// observed = persisted + sum(dropped)
	EventsDropped *prometheus.CounterVec

	// Отказы хэшера (событие при этом записывается с null-метаданными)
	HashFailures prometheus.Counter

	// Latency записи в Store (включая повторы)
	AppendDuration prometheus.Histogram

	// Saturation: заполненность очереди (backpressure)
	QueueFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern — без регистратора метрики живут в локальном,
	// никуда не подключенном реестре (удобно в тестах)
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		EventsObserved: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fsaudit_events_observed_total",
			Help: "Total number of filesystem notifications accepted into the queue.",
		}, []string{"event_type"}),

		RowsPersisted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fsaudit_rows_persisted_total",
			Help: "Total number of audit rows durably written.",
		}),

		EventsDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fsaudit_events_dropped_total",
			Help: "Total number of events lost, by reason.",
		}, []string{"reason"}),

		HashFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fsaudit_hash_failures_total",
			Help: "Total number of content hash attempts that failed.",
		}),

		AppendDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "fsaudit_append_duration_seconds",
			Help:    "Histogram of audit store append latencies.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		QueueFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fsaudit_queue_utilization",
			Help: "Current number of notifications waiting in the internal queue.",
		}),
	}
}
