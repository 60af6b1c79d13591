package dc6006l

import "fmt"

// StatusField selects a single value of the extended status record.
type StatusField string

const (
	FieldVoltage        StatusField = "v_out"
	FieldCurrent        StatusField = "i_out"
	FieldPower          StatusField = "p_out"
	FieldAux            StatusField = "p1"
	FieldTemperature    StatusField = "temp"
	FieldMode           StatusField = "cv_cc"
	FieldLimitError     StatusField = "limit_error"
	FieldOutput         StatusField = "on_off"
	FieldSetVoltage     StatusField = "v_set"
	FieldSetCurrent     StatusField = "i_set"
	FieldVoltageLimit   StatusField = "v_lim"
	FieldCurrentLimit   StatusField = "i_lim"
	FieldPowerLimit     StatusField = "p_lim"
	FieldTimeoutEnabled StatusField = "timeout_en"
	FieldTimeoutHours   StatusField = "timeout_hh"
	FieldTimeoutMinutes StatusField = "timeout_mm"
	FieldTimeoutSeconds StatusField = "timeout_ss"
)

// StatusFields lists the fields in wire order.
var StatusFields = []StatusField{
	FieldVoltage, FieldCurrent, FieldPower, FieldAux, FieldTemperature, FieldMode,
	FieldLimitError, FieldOutput, FieldSetVoltage, FieldSetCurrent, FieldVoltageLimit,
	FieldCurrentLimit, FieldPowerLimit, FieldTimeoutEnabled, FieldTimeoutHours,
	FieldTimeoutMinutes, FieldTimeoutSeconds,
}

// ParseStatusField resolves a field name.
func ParseStatusField(name string) (StatusField, error) {
	f := StatusField(name)
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return f, nil
}

func (f StatusField) Valid() bool {
	_, ok := f.Value(Status{})
	return ok
}

// Value extracts the field from s. Flags are reported as 0 or 1.
func (f StatusField) Value(s Status) (float64, bool) {
	switch f {
	case FieldVoltage:
		return s.Voltage, true
	case FieldCurrent:
		return s.Current, true
	case FieldPower:
		return s.Power, true
	case FieldAux:
		return float64(s.Aux), true
	case FieldTemperature:
		return float64(s.Temperature), true
	case FieldMode:
		return float64(s.Mode), true
	case FieldLimitError:
		return float64(s.LimitError), true
	case FieldOutput:
		return boolValue(s.OutputOn), true
	case FieldSetVoltage:
		return s.SetVoltage, true
	case FieldSetCurrent:
		return s.SetCurrent, true
	case FieldVoltageLimit:
		return s.VoltageLimit, true
	case FieldCurrentLimit:
		return s.CurrentLimit, true
	case FieldPowerLimit:
		return s.PowerLimit, true
	case FieldTimeoutEnabled:
		return boolValue(s.TimeoutEnabled), true
	case FieldTimeoutHours:
		return float64(s.TimeoutHours), true
	case FieldTimeoutMinutes:
		return float64(s.TimeoutMinutes), true
	case FieldTimeoutSeconds:
		return float64(s.TimeoutSeconds), true
	}
	return 0, false
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
