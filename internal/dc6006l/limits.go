package dc6006l

import (
	"math"
	"time"
)

// Range is the legal interval of a user supplied physical value.
type Range struct {
	Name string
	Unit string
	Min  float64
	Max  float64
}

var (
	VoltageRange        = Range{Name: "voltage", Unit: "V", Min: 0, Max: 60}
	CurrentRange        = Range{Name: "current", Unit: "A", Min: 0, Max: 6}
	VoltageProtectRange = Range{Name: "voltage_protect", Unit: "V", Min: 0.2, Max: 61}
	CurrentProtectRange = Range{Name: "current_protect", Unit: "A", Min: 0, Max: 6}
)

// Clamp returns v limited to the range and whether it had to be corrected.
// Out of range values are never rejected. NaN clamps to Min.
func (r Range) Clamp(v float64) (float64, bool) {
	switch {
	case math.IsNaN(v):
		return r.Min, true
	case v > r.Max:
		return r.Max, true
	case v < r.Min:
		return r.Min, true
	default:
		return v, false
	}
}

func toCounts(v float64, scale int) int {
	if scale == 0 {
		return 0
	}
	return int(math.Round(v * float64(scale)))
}

func fromCounts(n, scale int) float64 {
	return float64(n) / float64(scale)
}

// Setpoint describes what a set operation requested, sent and read back.
type Setpoint struct {
	Requested float64 `json:"requested"`
	Applied   float64 `json:"applied"`
	Corrected bool    `json:"corrected"`

	ReadBackVoltage float64 `json:"read_back_voltage"`
	ReadBackCurrent float64 `json:"read_back_current"`
}

// Timeout returns the configured output timer as a duration.
func (s Status) Timeout() time.Duration {
	return time.Duration(s.TimeoutHours)*time.Hour +
		time.Duration(s.TimeoutMinutes)*time.Minute +
		time.Duration(s.TimeoutSeconds)*time.Second
}
