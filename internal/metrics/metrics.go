// Package metrics exposes Prometheus collectors for the demux worker and
// the decoder sinks.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zsiec/tsdemux/internal/media"
)

// Metrics implements demux.StatsRecorder and decoder.StatsRecorder.
type Metrics struct {
	PacketsRead       prometheus.Counter
	PacketsRouted     *prometheus.CounterVec
	PacketsDiscarded  prometheus.Counter
	ReadRetries       prometheus.Counter
	BackpressureWaits *prometheus.CounterVec
	SinkFlushes       *prometheus.CounterVec
	Seeks             *prometheus.CounterVec
	QueueDepths       *prometheus.GaugeVec
	PacketsConsumed   *prometheus.CounterVec
	BytesConsumed     *prometheus.CounterVec
	Captions          *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PacketsRead: f.NewCounter(prometheus.CounterOpts{
			Name: "tsdemux_packets_read_total",
			Help: "Packets read from the source",
		}),
		PacketsRouted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tsdemux_packets_routed_total",
			Help: "Packets handed to a sink, by media type",
		}, []string{"type"}),
		PacketsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "tsdemux_packets_discarded_total",
			Help: "Packets of streams with no bound sink",
		}),
		ReadRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "tsdemux_read_retries_total",
			Help: "Reads that found no data available yet",
		}),
		BackpressureWaits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tsdemux_backpressure_waits_total",
			Help: "Backpressure waits by how they ended",
		}, []string{"outcome"}),
		SinkFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tsdemux_sink_flushes_total",
			Help: "Sink flushes by media type",
		}, []string{"type"}),
		Seeks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tsdemux_seeks_total",
			Help: "Source seeks by outcome",
		}, []string{"outcome"}),
		QueueDepths: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tsdemux_sink_queue_depth",
			Help: "Packets queued in each sink",
		}, []string{"type"}),
		PacketsConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tsdemux_packets_consumed_total",
			Help: "Packets consumed by the decoders",
		}, []string{"type"}),
		BytesConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tsdemux_bytes_consumed_total",
			Help: "Payload bytes consumed by the decoders",
		}, []string{"type"}),
		Captions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tsdemux_captions_total",
			Help: "Decoded CEA-608 caption updates by channel",
		}, []string{"channel"}),
	}
}

func (m *Metrics) PacketRead() { m.PacketsRead.Inc() }

func (m *Metrics) PacketRouted(t media.MediaType) {
	m.PacketsRouted.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) PacketDiscarded() { m.PacketsDiscarded.Inc() }

func (m *Metrics) ReadRetry() { m.ReadRetries.Inc() }

func (m *Metrics) BackpressureWait(notified bool) {
	outcome := "timeout"
	if notified {
		outcome = "notified"
	}
	m.BackpressureWaits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SinkFlushed(t media.MediaType) {
	m.SinkFlushes.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) Seek(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Seeks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) QueueDepth(t media.MediaType, depth int) {
	m.QueueDepths.WithLabelValues(t.String()).Set(float64(depth))
}

func (m *Metrics) PacketConsumed(t media.MediaType, bytes int) {
	m.PacketsConsumed.WithLabelValues(t.String()).Inc()
	m.BytesConsumed.WithLabelValues(t.String()).Add(float64(bytes))
}

func (m *Metrics) Caption(channel int) {
	m.Captions.WithLabelValues(strconv.Itoa(channel)).Inc()
}
