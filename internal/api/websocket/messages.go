package websocket

import (
	"time"

	"github.com/KevinKickass/OpenPSU/internal/telemetry"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Supply messages
	MessageTypeTelemetry       MessageType = "telemetry"
	MessageTypeOutputChanged   MessageType = "output_changed"
	MessageTypeSetpointChanged MessageType = "setpoint_changed"
	MessageTypeDeviceError     MessageType = "device_error"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"

	// Handshake
	MessageTypeAuth        MessageType = "auth"
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewTelemetryMessage(s telemetry.Sample) Message {
	return Message{
		Type:      MessageTypeTelemetry,
		Timestamp: s.Time,
		Data:      s,
	}
}

// NewEventMessage maps a telemetry event onto the message of the same name.
func NewEventMessage(e telemetry.Event) Message {
	return Message{
		Type:      MessageType(e.Type),
		Timestamp: e.Time,
		Data:      e.Data,
	}
}
