package monitor

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KevinKickass/OpenPSU/internal/dc6006l"
)

const namespace = "psu"

// Metrics collects driver and telemetry metrics on a private registry. It
// implements dc6006l.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Frame-Metriken
	FramesDecoded  *prometheus.CounterVec
	FramesRejected *prometheus.CounterVec
	EmptyReads     *prometheus.CounterVec

	// Confirm-Loop
	OutputConfirms *prometheus.CounterVec
	ConfirmCycles  prometheus.Histogram

	Clamped *prometheus.CounterVec

	// Live-Werte des Netzteils
	Voltage     prometheus.Gauge
	Current     prometheus.Gauge
	Power       prometheus.Gauge
	Temperature prometheus.Gauge
	OutputOn    prometheus.Gauge
	PollErrors  prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Response frames that passed validation",
		}, []string{"kind"}),

		FramesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Response frames that failed length, marker, sentinel or digit checks",
		}, []string{"kind"}),

		EmptyReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_reads_total",
			Help:      "Reads that timed out without data",
		}, []string{"kind"}),

		OutputConfirms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_confirm_total",
			Help:      "Outcome of output enable/disable confirm loops",
		}, []string{"target", "result"}),

		ConfirmCycles: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "output_confirm_cycles",
			Help:      "Send and read cycles used by confirm loops",
			Buckets:   []float64{1, 2, 3, 4},
		}),

		Clamped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parameters_clamped_total",
			Help:      "Requested values corrected into the legal range",
		}, []string{"parameter"}),

		Voltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_voltage_volts",
			Help:      "Measured output voltage",
		}),
		Current: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_current_amperes",
			Help:      "Measured output current",
		}),
		Power: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_power_watts",
			Help:      "Measured output power",
		}),
		Temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Internal temperature",
		}),
		OutputOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_enabled",
			Help:      "1 when the output is switched on",
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Telemetry polls that returned no valid state",
		}),
	}

	m.registry.MustRegister(
		m.FramesDecoded,
		m.FramesRejected,
		m.EmptyReads,
		m.OutputConfirms,
		m.ConfirmCycles,
		m.Clamped,
		m.Voltage,
		m.Current,
		m.Power,
		m.Temperature,
		m.OutputOn,
		m.PollErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameDecoded(kind dc6006l.FrameKind) {
	m.FramesDecoded.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) FrameRejected(kind dc6006l.FrameKind) {
	m.FramesRejected.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) EmptyRead(kind dc6006l.FrameKind) {
	m.EmptyReads.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) OutputConfirm(target bool, confirmed bool, attempts int) {
	result := "confirmed"
	if !confirmed {
		result = "timeout"
	}
	m.OutputConfirms.WithLabelValues(strconv.FormatBool(target), result).Inc()
	m.ConfirmCycles.Observe(float64(attempts))
}

func (m *Metrics) ParameterClamped(name string) {
	m.Clamped.WithLabelValues(name).Inc()
}

// ObserveState updates the live gauges from a telemetry sample.
func (m *Metrics) ObserveState(st dc6006l.State) {
	m.Voltage.Set(st.Voltage)
	m.Current.Set(st.Current)
	m.Power.Set(st.Power)
	m.Temperature.Set(float64(st.Temperature))
	if st.OutputOn {
		m.OutputOn.Set(1)
	} else {
		m.OutputOn.Set(0)
	}
}

// ObservePollError counts a poll that produced no state.
func (m *Metrics) ObservePollError() {
	m.PollErrors.Inc()
}
