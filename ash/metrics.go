package ash

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a snapshot of the link counters
type Stats struct {
	FramesSent     uint64 `json:"frames_sent"`
	FramesReceived uint64 `json:"frames_received"`
	Retransmits    uint64 `json:"retransmits"`
	FrameErrors    uint64 `json:"frame_errors"`
	Resets         uint64 `json:"resets"`
	DroppedInbound uint64 `json:"dropped_inbound"`
}

// Metrics counts link activity, both as Prometheus collectors and as plain counters for Stats
type Metrics struct {
	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	frameErrors    *prometheus.CounterVec
	retransmits    prometheus.Counter
	resets         prometheus.Counter
	droppedInbound prometheus.Counter
	ackTimeout     prometheus.Gauge
	rtt            prometheus.Histogram

	sent, received, retx, errs, rsts, dropped atomic.Uint64
}

// NewMetrics creates the link collectors and registers them with reg unless it is nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ash",
			Subsystem: "link",
			Name:      "frames_sent_total",
			Help:      "Frames written to the serial line.",
		}, []string{"type"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ash",
			Subsystem: "link",
			Name:      "frames_received_total",
			Help:      "Valid frames read from the serial line.",
		}, []string{"type"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ash",
			Subsystem: "link",
			Name:      "frame_errors_total",
			Help:      "Discarded inbound frames.",
		}, []string{"reason"}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ash",
			Subsystem: "link",
			Name:      "retransmits_total",
			Help:      "Retransmitted DATA frames.",
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ash",
			Subsystem: "link",
			Name:      "resets_total",
			Help:      "RST frames sent.",
		}),
		droppedInbound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ash",
			Subsystem: "link",
			Name:      "dropped_inbound_total",
			Help:      "Unsolicited payloads dropped because nobody was reading.",
		}),
		ackTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ash",
			Subsystem: "link",
			Name:      "ack_timeout_seconds",
			Help:      "Current adaptive ACK timeout.",
		}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ash",
			Subsystem: "link",
			Name:      "ack_rtt_seconds",
			Help:      "Time from sending a DATA frame to its acknowledgement.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 11),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.framesSent, m.framesReceived, m.frameErrors, m.retransmits,
			m.resets, m.droppedInbound, m.ackTimeout, m.rtt)
	}
	return m
}

func (m *Metrics) frameSent(f Frame) {
	m.sent.Add(1)
	m.framesSent.WithLabelValues(f.Type.String()).Inc()
	switch {
	case f.Type == FrameRst:
		m.rsts.Add(1)
		m.resets.Inc()
	case f.Type == FrameData && f.Retransmit:
		m.retx.Add(1)
		m.retransmits.Inc()
	}
}

func (m *Metrics) frameReceived(f Frame) {
	m.received.Add(1)
	m.framesReceived.WithLabelValues(f.Type.String()).Inc()
}

func (m *Metrics) frameError(reason string) {
	m.errs.Add(1)
	m.frameErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) inboundDropped() {
	m.dropped.Add(1)
	m.droppedInbound.Inc()
}

func (m *Metrics) ackObserved(rtt, timeout time.Duration) {
	m.rtt.Observe(rtt.Seconds())
	m.timeoutChanged(timeout)
}

func (m *Metrics) timeoutChanged(timeout time.Duration) {
	m.ackTimeout.Set(timeout.Seconds())
}

// Stats returns the current counter values
func (m *Metrics) Stats() Stats {
	return Stats{
		FramesSent:     m.sent.Load(),
		FramesReceived: m.received.Load(),
		Retransmits:    m.retx.Load(),
		FrameErrors:    m.errs.Load(),
		Resets:         m.rsts.Load(),
		DroppedInbound: m.dropped.Load(),
	}
}
