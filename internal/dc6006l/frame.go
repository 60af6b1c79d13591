// Package dc6006l drives the FNIRSI DC6006L bench supply over its serial
// ASCII protocol. Frames are fixed width, every numeric field is closed by
// the sentinel 'A' and carries a fixed-point integer.
package dc6006l

import (
	"fmt"
	"strconv"
)

// Wire constants of the DC6006L ASCII protocol
const (
	Sentinel   byte   = 'A'
	Terminator string = "\r\n"

	AckFrameLen    = 10 // vvvvAiiiiA
	StateFrameLen  = 27 // 8 fields, each closed by a sentinel
	StatusFrameLen = 66 // marker + 17 fields
	EchoFrameLen   = 27 // reply to B####/D####

	StatusMarker = "KB"

	VoltageScale = 100
	CurrentScale = 1000
	PowerScale   = 100

	payloadDigits = 4
	payloadMax    = 9999
)

// CommandKind is the leading tag byte of an outbound frame.
type CommandKind byte

const (
	CmdSetVoltage        CommandKind = 'V'
	CmdSetCurrent        CommandKind = 'I'
	CmdEnableOutput      CommandKind = 'N'
	CmdDisableOutput     CommandKind = 'F'
	CmdEnableReporting   CommandKind = 'Q'
	CmdDisableReporting  CommandKind = 'W'
	CmdSetVoltageProtect CommandKind = 'B'
	CmdSetCurrentProtect CommandKind = 'D'
)

func (k CommandKind) String() string {
	switch k {
	case CmdSetVoltage:
		return "set_voltage"
	case CmdSetCurrent:
		return "set_current"
	case CmdEnableOutput:
		return "enable_output"
	case CmdDisableOutput:
		return "disable_output"
	case CmdEnableReporting:
		return "enable_reporting"
	case CmdDisableReporting:
		return "disable_reporting"
	case CmdSetVoltageProtect:
		return "set_voltage_protect"
	case CmdSetCurrentProtect:
		return "set_current_protect"
	default:
		return fmt.Sprintf("unknown(%q)", byte(k))
	}
}

// scale returns the fixed-point factor of the payload, 0 for bare commands.
func (k CommandKind) scale() int {
	switch k {
	case CmdSetVoltage, CmdSetVoltageProtect:
		return VoltageScale
	case CmdSetCurrent, CmdSetCurrentProtect:
		return CurrentScale
	default:
		return 0
	}
}

// Command is a single request to the supply.
type Command struct {
	Kind  CommandKind
	Value float64
}

func SetVoltageCommand(v float64) Command        { return Command{Kind: CmdSetVoltage, Value: v} }
func SetCurrentCommand(i float64) Command        { return Command{Kind: CmdSetCurrent, Value: i} }
func SetVoltageProtectCommand(v float64) Command { return Command{Kind: CmdSetVoltageProtect, Value: v} }
func SetCurrentProtectCommand(i float64) Command { return Command{Kind: CmdSetCurrentProtect, Value: i} }
func BareCommand(kind CommandKind) Command       { return Command{Kind: kind} }

// Counts returns the scaled integer payload carried on the wire.
func (c Command) Counts() int {
	return toCounts(c.Value, c.Kind.scale())
}

// String renders the frame without terminator, e.g. "V0500".
func (c Command) String() string {
	if c.Kind.scale() == 0 {
		return string(rune(c.Kind))
	}
	return fmt.Sprintf("%c%04d", byte(c.Kind), c.Counts())
}

// Encode erstellt das komplette Frame inklusive CR LF
func (c Command) Encode() ([]byte, error) {
	switch c.Kind {
	case CmdSetVoltage, CmdSetCurrent, CmdEnableOutput, CmdDisableOutput,
		CmdEnableReporting, CmdDisableReporting, CmdSetVoltageProtect, CmdSetCurrentProtect:
	default:
		return nil, fmt.Errorf("unknown command kind %q", byte(c.Kind))
	}

	if c.Kind.scale() != 0 {
		n := c.Counts()
		if n < 0 || n > payloadMax {
			return nil, fmt.Errorf("%s payload %d does not fit %d digits", c.Kind, n, payloadDigits)
		}
	}

	return []byte(c.String() + Terminator), nil
}

// Mode is the regulation mode reported by the supply.
type Mode int

const (
	ModeCV Mode = 0
	ModeCC Mode = 1
)

func (m Mode) String() string {
	switch m {
	case ModeCV:
		return "CV"
	case ModeCC:
		return "CC"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// MarshalText renders the mode as "CV"/"CC" in JSON payloads.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// State is the decoded 27-byte telemetry frame.
type State struct {
	Voltage     float64 `json:"v_out"`
	Current     float64 `json:"i_out"`
	Power       float64 `json:"p_out"`
	Aux         int     `json:"p1"`
	Temperature int     `json:"temp"`
	Mode        Mode    `json:"cv_cc"`
	LimitError  int     `json:"limit_error"`
	OutputOn    bool    `json:"on_off"`
}

// Status is the decoded 66-byte extended frame.
type Status struct {
	State

	SetVoltage     float64 `json:"v_set"`
	SetCurrent     float64 `json:"i_set"`
	VoltageLimit   float64 `json:"v_lim"`
	CurrentLimit   float64 `json:"i_lim"`
	PowerLimit     float64 `json:"p_lim"`
	TimeoutEnabled bool    `json:"timeout_en"`
	TimeoutHours   int     `json:"timeout_hh"`
	TimeoutMinutes int     `json:"timeout_mm"`
	TimeoutSeconds int     `json:"timeout_ss"`
}

// Ack is the 10-byte reply to V####/I####.
type Ack struct {
	Voltage float64 `json:"v_out"`
	Current float64 `json:"i_out"`

	voltageCounts int
	currentCounts int
}

// Echo is the 27-byte reply to B####/D####.
type Echo struct {
	VoltageLimit float64 `json:"v_lim"`
	CurrentLimit float64 `json:"i_lim"`
	PowerLimit   float64 `json:"p_lim"`

	voltageCounts int
	currentCounts int
}

// field is a fixed-width decimal closed by a sentinel at off+width.
type field struct {
	off, width int
}

var (
	ackLayout = []field{{0, 4}, {5, 4}}

	// v_out, i_out, p_out, aux, temp, cv_cc, error, on_off
	stateLayout = []field{{0, 4}, {5, 4}, {10, 4}, {15, 1}, {17, 3}, {21, 1}, {23, 1}, {25, 1}}

	// v_set, i_set, v_lim, i_lim, p_lim, timeout_en, hh, mm, ss
	statusTailLayout = []field{{29, 4}, {34, 4}, {39, 4}, {44, 4}, {49, 5}, {55, 1}, {57, 2}, {60, 2}, {63, 2}}

	echoLayout = []field{{0, 4}, {5, 4}, {10, 4}}
)

// extract validates every sentinel of the layout before any digit is parsed.
func extract(kind FrameKind, raw []byte, base int, layout []field) ([]int, error) {
	for _, f := range layout {
		pos := base + f.off + f.width
		if pos >= len(raw) {
			return nil, &FrameError{Kind: kind, Length: len(raw), Offset: pos, Reason: "frame too short"}
		}
		if raw[pos] != Sentinel {
			return nil, &FrameError{Kind: kind, Length: len(raw), Offset: pos,
				Reason: fmt.Sprintf("expected sentinel %q, got %q", Sentinel, raw[pos])}
		}
	}

	values := make([]int, len(layout))
	for i, f := range layout {
		n := 0
		for j := base + f.off; j < base+f.off+f.width; j++ {
			c := raw[j]
			if c < '0' || c > '9' {
				return nil, &FrameError{Kind: kind, Length: len(raw), Offset: j,
					Reason: fmt.Sprintf("non-digit %q in numeric field", c)}
			}
			n = n*10 + int(c-'0')
		}
		values[i] = n
	}
	return values, nil
}

func checkLength(kind FrameKind, raw []byte, want int) error {
	if len(raw) != want {
		return &FrameError{Kind: kind, Length: len(raw), Offset: -1,
			Reason: fmt.Sprintf("expected %d bytes", want)}
	}
	return nil
}

// DecodeAck parst die Antwort auf V####/I####
func DecodeAck(raw []byte) (Ack, error) {
	if err := checkLength(FrameAck, raw, AckFrameLen); err != nil {
		return Ack{}, err
	}
	v, err := extract(FrameAck, raw, 0, ackLayout)
	if err != nil {
		return Ack{}, err
	}
	return Ack{
		Voltage:       fromCounts(v[0], VoltageScale),
		Current:       fromCounts(v[1], CurrentScale),
		voltageCounts: v[0],
		currentCounts: v[1],
	}, nil
}

// DecodeState parses a 27-byte telemetry frame. It never returns a partially
// filled record: on error the State is zero.
func DecodeState(raw []byte) (State, error) {
	if err := checkLength(FrameState, raw, StateFrameLen); err != nil {
		return State{}, err
	}
	return decodeStateAt(FrameState, raw, 0)
}

func decodeStateAt(kind FrameKind, raw []byte, base int) (State, error) {
	v, err := extract(kind, raw, base, stateLayout)
	if err != nil {
		return State{}, err
	}
	return State{
		Voltage:     fromCounts(v[0], VoltageScale),
		Current:     fromCounts(v[1], CurrentScale),
		Power:       fromCounts(v[2], PowerScale),
		Aux:         v[3],
		Temperature: v[4],
		Mode:        Mode(v[5]),
		LimitError:  v[6],
		OutputOn:    v[7] == 1,
	}, nil
}

// HasStatusMarker reports whether raw starts with the status marker.
func HasStatusMarker(raw []byte) bool {
	return len(raw) >= len(StatusMarker) && string(raw[:len(StatusMarker)]) == StatusMarker
}

// DecodeStatus parses a 66-byte status frame. Bytes 2..28 carry the state
// layout, followed by set points, limits and the timeout configuration.
func DecodeStatus(raw []byte) (Status, error) {
	if err := checkLength(FrameStatus, raw, StatusFrameLen); err != nil {
		return Status{}, err
	}
	if !HasStatusMarker(raw) {
		return Status{}, &FrameError{Kind: FrameStatus, Length: len(raw), Offset: 0,
			Reason: fmt.Sprintf("missing marker %q", StatusMarker)}
	}

	st, err := decodeStateAt(FrameStatus, raw, len(StatusMarker))
	if err != nil {
		return Status{}, err
	}
	v, err := extract(FrameStatus, raw, 0, statusTailLayout)
	if err != nil {
		return Status{}, err
	}

	return Status{
		State:          st,
		SetVoltage:     fromCounts(v[0], VoltageScale),
		SetCurrent:     fromCounts(v[1], CurrentScale),
		VoltageLimit:   fromCounts(v[2], VoltageScale),
		CurrentLimit:   fromCounts(v[3], CurrentScale),
		PowerLimit:     fromCounts(v[4], PowerScale),
		TimeoutEnabled: v[5] == 1,
		TimeoutHours:   v[6],
		TimeoutMinutes: v[7],
		TimeoutSeconds: v[8],
	}, nil
}

// DecodeEcho parses the reply to a protection command. Only the three limit
// fields at the head of the frame are validated.
func DecodeEcho(raw []byte) (Echo, error) {
	if err := checkLength(FrameEcho, raw, EchoFrameLen); err != nil {
		return Echo{}, err
	}
	v, err := extract(FrameEcho, raw, 0, echoLayout)
	if err != nil {
		return Echo{}, err
	}
	return Echo{
		VoltageLimit:  fromCounts(v[0], VoltageScale),
		CurrentLimit:  fromCounts(v[1], CurrentScale),
		PowerLimit:    fromCounts(v[2], PowerScale),
		voltageCounts: v[0],
		currentCounts: v[1],
	}, nil
}
