package metrics

import (
	"os"

	"github.com/iidesho/bragi/sbragi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	log      = sbragi.WithLocalScope(sbragi.LevelInfo)
	Registry = prometheus.NewRegistry()

	RecordsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flyt",
		Name:      "records_written_total",
		Help:      "Records appended to the active chunk.",
	})
	RecordsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flyt",
		Name:      "records_dispatched_total",
		Help:      "Records delivered to at least one listener.",
	})
	ChunksConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flyt",
		Name:      "chunks_consumed_total",
		Help:      "Chunks fully drained by a stream.",
	})
	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flyt",
		Name:      "decode_errors_total",
		Help:      "Malformed records skipped while reading chunks.",
	})
	ListenerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flyt",
		Name:      "listener_failures_total",
		Help:      "Listener invocations that panicked.",
	})
)

func init() {
	Registry.MustRegister(
		RecordsWritten,
		RecordsDispatched,
		ChunksConsumed,
		DecodeErrors,
		ListenerFailures,
	)
}

func Push(url string) {
	pusher := push.New(url, "flyt")
	pusher.Gatherer(Registry)
	hn, err := os.Hostname()
	if !log.WithError(err).Error("getting hostname for metrics push") {
		pusher.Grouping("instance", hn)
	}
	err = pusher.Push()
	log.WithError(err).Warning("pushing metrics")
}
