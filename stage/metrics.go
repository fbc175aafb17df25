package stage

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TFMV/splitjson/coerce"
)

var (
	inputRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "splitjson_input_records_total",
		Help: "Input records read by expansion stages",
	})
	outputRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "splitjson_output_records_total",
		Help: "Output records emitted by expansion stages",
	})
	nullArrayRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "splitjson_null_array_records_total",
		Help: "Input records whose array column was null",
	})
	skippedRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "splitjson_skipped_records_total",
		Help: "Input records dropped under the skip error policy",
	}, []string{"reason"})
	pageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "splitjson_page_latency_seconds",
		Help: "Time spent expanding one input page",
	})
)

func init() {
	prometheus.MustRegister(inputRecords, outputRecords, nullArrayRecords, skippedRecords, pageLatency)
}

// reason labels a data error by its kind.
func reason(err error) string {
	var cerr *coerce.Error
	if errors.As(err, &cerr) {
		return cerr.Kind.Error()
	}
	return "other"
}
