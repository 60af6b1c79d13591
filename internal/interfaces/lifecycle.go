package interfaces

import (
	"context"
	"time"

	"github.com/KevinKickass/OpenPSU/internal/config"
	"github.com/KevinKickass/OpenPSU/internal/dc6006l"
	"github.com/KevinKickass/OpenPSU/internal/telemetry"
)

// PSU is the control surface of a supply session. *dc6006l.Device
// implements it.
type PSU interface {
	SetVoltage(ctx context.Context, v float64) (dc6006l.Setpoint, error)
	SetCurrent(ctx context.Context, i float64) (dc6006l.Setpoint, error)
	SetVoltageProtect(ctx context.Context, v float64) (dc6006l.Setpoint, error)
	SetCurrentProtect(ctx context.Context, i float64) (dc6006l.Setpoint, error)
	EnableOutput(ctx context.Context) error
	DisableOutput(ctx context.Context) error
	GetState(ctx context.Context) (dc6006l.State, error)
	GetStatus(ctx context.Context) (dc6006l.Status, error)
	GetStatusField(ctx context.Context, f dc6006l.StatusField) (float64, error)
	EnableStateReporting(ctx context.Context) error
	DisableStateReporting(ctx context.Context) error
	Port() string
	IsOpen() bool
}

// SystemStatus represents the current daemon state
type SystemStatus struct {
	State               string     `json:"state"`
	Port                string     `json:"port"`
	Connected           bool       `json:"connected"`
	PollerRunning       bool       `json:"poller_running"`
	LastSample          *time.Time `json:"last_sample,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	WebSocketClients    int        `json:"websocket_clients"`
}

type LifecycleManager interface {
	Config() *config.Config
	Device() PSU
	Events() telemetry.Sink
	ListPorts() ([]string, error)
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
