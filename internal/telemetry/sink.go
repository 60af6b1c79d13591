// Package telemetry polls the supply periodically and fans samples and
// events out to the daemon's sinks.
package telemetry

import (
	"time"

	"github.com/KevinKickass/OpenPSU/internal/dc6006l"
	"github.com/KevinKickass/OpenPSU/internal/monitor"
)

// Sample is one successful state poll.
type Sample struct {
	Time  time.Time     `json:"time"`
	Port  string        `json:"port"`
	State dc6006l.State `json:"state"`
}

type EventType string

const (
	EventOutputChanged   EventType = "output_changed"
	EventSetpointChanged EventType = "setpoint_changed"
	EventDeviceError     EventType = "device_error"
)

// Event is a discrete change or failure, as opposed to periodic samples.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// OutputChangedData is carried by EventOutputChanged.
type OutputChangedData struct {
	On     bool   `json:"on"`
	Source string `json:"source"`
}

// SetpointChangedData is carried by EventSetpointChanged.
type SetpointChangedData struct {
	Parameter string           `json:"parameter"`
	Setpoint  dc6006l.Setpoint `json:"setpoint"`
}

// DeviceErrorData is carried by EventDeviceError.
type DeviceErrorData struct {
	Operation string `json:"operation"`
	Error     string `json:"error"`
	Fatal     bool   `json:"fatal"`
}

func NewEvent(t EventType, data any) Event {
	return Event{Type: t, Time: time.Now(), Data: data}
}

// Sink receives samples and events. Implementations must not block the
// caller for long, they run on the poll loop.
type Sink interface {
	HandleSample(Sample)
	HandleEvent(Event)
}

// Fanout forwards to every sink in order.
type Fanout []Sink

func (f Fanout) HandleSample(s Sample) {
	for _, sink := range f {
		sink.HandleSample(s)
	}
}

func (f Fanout) HandleEvent(e Event) {
	for _, sink := range f {
		sink.HandleEvent(e)
	}
}

// MetricsSink feeds the live gauges.
type MetricsSink struct {
	Metrics *monitor.Metrics
}

func (m MetricsSink) HandleSample(s Sample) {
	m.Metrics.ObserveState(s.State)
}

func (m MetricsSink) HandleEvent(e Event) {
	if e.Type == EventDeviceError {
		m.Metrics.ObservePollError()
	}
}
