package system

import (
	"fmt"
	"slices"
)

// SystemState is the daemon phase reported on /health and the system status.
type SystemState int

const (
	StateInitializing SystemState = iota
	StateRunning
	StateStopping
	StateStopped
	StateError
)

var stateNames = map[SystemState]string{
	StateInitializing: "INITIALIZING",
	StateRunning:      "RUNNING",
	StateStopping:     "STOPPING",
	StateStopped:      "STOPPED",
	StateError:        "ERROR",
}

func (s SystemState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

func (s SystemState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// successors lists the allowed next states. A failed Start may be followed
// directly by Shutdown, so ERROR leads to STOPPING as well.
var successors = map[SystemState][]SystemState{
	StateInitializing: {StateRunning, StateError, StateStopping},
	StateRunning:      {StateStopping, StateError},
	StateStopping:     {StateStopped, StateError},
	StateStopped:      {StateInitializing},
	StateError:        {StateInitializing, StateStopping, StateStopped},
}

// CanTransition reports whether to may follow s.
func (s SystemState) CanTransition(to SystemState) bool {
	return slices.Contains(successors[s], to)
}

func ValidateTransition(from, to SystemState) error {
	if _, ok := successors[from]; !ok {
		return fmt.Errorf("invalid current state: %s", from)
	}
	if !from.CanTransition(to) {
		return fmt.Errorf("invalid state transition: %s -> %s", from, to)
	}
	return nil
}
