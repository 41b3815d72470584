package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HeartbeatsReceived counts firmware heartbeat frames.
	HeartbeatsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evse_heartbeats_received_total",
			Help: "Heartbeat frames received from the firmware.",
		},
	)

	HeartbeatWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evse_heartbeat_write_failures_total",
			Help: "Heartbeat commands that could not be written to the firmware.",
		},
	)

	// FirmwareEvents counts decoded domain events by name.
	FirmwareEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evse_firmware_events_total",
			Help: "Domain events received from the firmware.",
		},
		[]string{"event"},
	)

	// FrameErrors counts dropped frames. reason: malformed, unknown-code, short, read
	FrameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evse_frame_errors_total",
			Help: "Frames dropped because they could not be read or decoded.",
		},
		[]string{"reason"},
	)

	CommandsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evse_commands_written_total",
			Help: "Commands written to the firmware.",
		},
		[]string{"command", "status"},
	)

	// CallOuts counts actuator call-outs. result: success, failed, watchdog, dropped
	CallOuts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evse_callouts_total",
			Help: "Actuator call-outs by action and result.",
		},
		[]string{"action", "result"},
	)

	CallOutLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evse_callout_latency_seconds",
			Help:    "Time from call-out start to completion or watchdog.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"action"},
	)

	Plugged = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evse_plugged",
			Help: "1 while a vehicle is connected.",
		},
	)

	CableImax = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evse_cable_imax_amperes",
			Help: "Current rating of the connected cable.",
		},
	)

	// Phase is 1 for the current charging phase and 0 for the others.
	Phase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evse_phase",
			Help: "Current charging phase.",
		},
		[]string{"phase"},
	)
)

func init() {
	prometheus.MustRegister(
		HeartbeatsReceived,
		HeartbeatWriteFailures,
		FirmwareEvents,
		FrameErrors,
		CommandsWritten,
		CallOuts,
		CallOutLatency,
		Plugged,
		CableImax,
		Phase,
	)
}

// SetPhase marks phase as current among phases.
func SetPhase(phase string, phases ...string) {
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		Phase.WithLabelValues(p).Set(v)
	}
}

func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
