// Package metrics exports client counters and gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements the metric hooks of the capture, playback and
// protocol packages. A nil *Metrics records nothing.
type Metrics struct {
	// Uplink
	FramesCaptured prometheus.Counter
	FramingErrors  prometheus.Counter
	FramesSent     prometheus.Counter

	// Downlink
	FramesReceived   prometheus.Counter
	FramesDropped    *prometheus.CounterVec
	DecodeFailures   prometheus.Counter
	PCMOverflows     prometheus.Counter
	ScheduleClamps   prometheus.Counter
	TimelineResets   prometheus.Counter
	DecodeQueueDepth prometheus.Gauge
	PCMQueueDepth    prometheus.Gauge
	ScheduledSlots   prometheus.Gauge

	// Session
	States             *prometheus.GaugeVec
	SessionTransitions *prometheus.CounterVec

	states []string
}

var sessionStates = []string{"idle", "negotiating", "listening", "speaking"}

// New creates all metrics and registers them with reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesCaptured: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_frames_total",
			Help:      "Opus frames extracted from the microphone encoder",
		}),
		FramingErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_framing_errors_total",
			Help:      "Ogg pages that failed to demux",
		}),
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uplink_frames_sent_total",
			Help:      "Audio frames written to the server",
		}),
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downlink_frames_received_total",
			Help:      "Audio frames accepted for playback",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downlink_frames_dropped_total",
			Help:      "Audio frames dropped before playback",
		}, []string{"reason"}),
		DecodeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_decode_failures_total",
			Help:      "Frames the Opus decoder rejected",
		}),
		PCMOverflows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_pcm_overflows_total",
			Help:      "Decoded chunks evicted from a full PCM queue",
		}),
		ScheduleClamps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_schedule_clamps_total",
			Help:      "Slots moved forward because the timeline fell behind the device clock",
		}),
		TimelineResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_timeline_resets_total",
			Help:      "Playback timeline resets",
		}),
		DecodeQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_decode_queue_depth",
			Help:      "Frames waiting for the decoder",
		}),
		PCMQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_pcm_queue_depth",
			Help:      "Decoded chunks waiting to be scheduled",
		}),
		ScheduledSlots: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_scheduled_slots",
			Help:      "Chunks handed to the device and not yet finished",
		}),
		States: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state",
		}, []string{"state"}),
		SessionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state",
		}, []string{"state"}),
		states: sessionStates,
	}
}

// FrameCaptured records one frame out of the capture pipeline.
func (m *Metrics) FrameCaptured() {
	if m == nil {
		return
	}
	m.FramesCaptured.Inc()
}

// FramingError records one malformed page.
func (m *Metrics) FramingError() {
	if m == nil {
		return
	}
	m.FramingErrors.Inc()
}

// FrameSent records one uplink frame.
func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

// FrameReceived records one downlink frame handed to the player.
func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

// FrameDropped records a dropped downlink frame.
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) DecodeFailed() {
	if m == nil {
		return
	}
	m.DecodeFailures.Inc()
}

func (m *Metrics) PCMOverflow() {
	if m == nil {
		return
	}
	m.PCMOverflows.Inc()
}

func (m *Metrics) ScheduleClamped() {
	if m == nil {
		return
	}
	m.ScheduleClamps.Inc()
}

func (m *Metrics) TimelineReset() {
	if m == nil {
		return
	}
	m.TimelineResets.Inc()
}

// QueueDepth publishes the scheduler queue sizes.
func (m *Metrics) QueueDepth(decode, pcm, slots int) {
	if m == nil {
		return
	}
	m.DecodeQueueDepth.Set(float64(decode))
	m.PCMQueueDepth.Set(float64(pcm))
	m.ScheduledSlots.Set(float64(slots))
}

// SessionState marks state as current.
func (m *Metrics) SessionState(state string) {
	if m == nil {
		return
	}
	for _, s := range m.states {
		value := 0.0
		if s == state {
			value = 1
		}
		m.States.WithLabelValues(s).Set(value)
	}
	m.SessionTransitions.WithLabelValues(state).Inc()
}
