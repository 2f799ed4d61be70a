package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(streamEventsTotal, streamChannelsOpen) }

var (
	streamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_events_total",
			Help: "Events handled by the stream dispatcher, labeled by kind and result.",
		},
		[]string{"kind", "result"}, // result: 'buffered', 'dropped'
	)

	streamChannelsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_channels_open",
			Help: "Number of job channels currently held by the dispatcher.",
		},
	)
)

func IncStreamEvent(kind, result string) {
	streamEventsTotal.WithLabelValues(norm(kind), norm(result)).Inc()
}

func SetStreamChannelsOpen(n int) { streamChannelsOpen.Set(float64(n)) }
