package faretrack

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricProducerRowsAppended   = "producer_rows_appended_total"
	MetricProducerRowErrors      = "producer_row_errors_total"
	MetricProducerFilesProcessed = "producer_files_processed_total"
	MetricConsumerRecordsMerged  = "consumer_records_merged_total"
	MetricConsumerRecordErrors   = "consumer_record_errors_total"
	MetricAggregatorRuns         = "aggregator_runs_total"
	MetricAggregatorKPIsWritten  = "aggregator_kpis_written_total"
)

var CounterProducerRowsAppended = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "faretrack",
		Name:      MetricProducerRowsAppended,
		Help:      "Rows appended to the trip log.",
	},
)

var CounterProducerRowErrors = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "faretrack",
		Name:      MetricProducerRowErrors,
		Help:      "Rows that failed to append to the trip log.",
	},
)

var CounterProducerFilesProcessed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "faretrack",
		Name:      MetricProducerFilesProcessed,
		Help:      "Trip files fetched and parsed.",
	},
)

var CounterConsumerRecordsMerged = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "faretrack",
		Name:      MetricConsumerRecordsMerged,
		Help:      "Log records merged into the trip store.",
	},
)

var CounterConsumerRecordErrors = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "faretrack",
		Name:      MetricConsumerRecordErrors,
		Help:      "Log records skipped due to decode or store errors.",
	},
)

var CounterAggregatorRuns = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "faretrack",
		Name:      MetricAggregatorRuns,
		Help:      "Aggregation invocations started.",
	},
)

var CounterAggregatorKPIsWritten = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "faretrack",
		Name:      MetricAggregatorKPIsWritten,
		Help:      "KPI objects written, by date.",
	},
	[]string{
		"date",
	},
)

func init() {
	prometheus.MustRegister(CounterProducerRowsAppended)
	prometheus.MustRegister(CounterProducerRowErrors)
	prometheus.MustRegister(CounterProducerFilesProcessed)
	prometheus.MustRegister(CounterConsumerRecordsMerged)
	prometheus.MustRegister(CounterConsumerRecordErrors)
	prometheus.MustRegister(CounterAggregatorRuns)
	prometheus.MustRegister(CounterAggregatorKPIsWritten)
}
