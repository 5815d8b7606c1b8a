package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "media_server_connections_open",
		Help: "Number of currently open WebSocket connections",
	})

	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_server_connections_total",
		Help: "Total number of accepted WebSocket connections",
	})

	chunksSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_server_chunks_sent_total",
		Help: "Media chunks dispatched to clients",
	}, []string{"channel", "kind"})

	bytesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_server_bytes_sent_total",
		Help: "Media bytes enqueued for clients",
	}, []string{"channel", "kind"})

	ingestEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_server_ingest_events_total",
		Help: "Filesystem ingest events processed per channel and kind",
	}, []string{"channel", "kind"})

	ingestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_server_ingest_errors_total",
		Help: "Filesystem ingest events skipped due to parse or read errors",
	}, []string{"channel"})

	sendBufferBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "media_server_send_buffer_bytes",
		Help: "Total bytes pending in per-connection send buffers",
	})

	chunkTransTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "media_server_chunk_trans_time_seconds",
		Help:    "Client-acknowledged chunk transmission time",
		Buckets: prometheus.ExponentialBuckets(0.05, 2.0, 10), // 50ms .. ~25s
	})
)

// RecordConnectionOpened tracks a newly accepted connection.
func RecordConnectionOpened() {
	connectionsTotal.Inc()
	connectionsOpen.Inc()
}

// RecordConnectionClosed tracks a connection teardown.
func RecordConnectionClosed() {
	connectionsOpen.Dec()
}

// RecordChunkSent tracks one dispatched media chunk.
func RecordChunkSent(channel, kind string, bytes int) {
	chunksSentTotal.WithLabelValues(channel, kind).Inc()
	bytesSentTotal.WithLabelValues(channel, kind).Add(float64(bytes))
}

// RecordIngestEvent tracks one processed filesystem event.
func RecordIngestEvent(channel, kind string) {
	ingestEventsTotal.WithLabelValues(channel, kind).Inc()
}

// RecordIngestError tracks one skipped filesystem event.
func RecordIngestError(channel string) {
	ingestErrorsTotal.WithLabelValues(channel).Inc()
}

// SetSendBufferBytes publishes the current aggregate send-buffer backlog.
func SetSendBufferBytes(n int64) {
	sendBufferBytes.Set(float64(n))
}

// RecordChunkTransTime tracks an acknowledged chunk's transmission time.
func RecordChunkTransTime(seconds float64) {
	chunkTransTime.Observe(seconds)
}
