package dc6006l

import (
	"time"

	"go.uber.org/zap"
)

// Fixed serial parameters of the supply
const (
	BaudRate    = 115200
	ReadTimeout = 100 * time.Millisecond
)

// Attempt budgets
const (
	StateReadAttempts     = 5
	OutputConfirmAttempts = 4
	VoltageTolerance      = 0.1
)

// Timing holds the settle and back-off delays of the exchange.
type Timing struct {
	// SendSettle is waited after the output flush of a fire-and-forget command.
	SendSettle time.Duration
	// QueryDelay is waited between writing a query and reading its reply.
	QueryDelay time.Duration
	// EmptyReadBackoff is waited after a read that returned nothing.
	EmptyReadBackoff time.Duration
	// ConfirmInterval separates unconfirmed enable/disable cycles.
	ConfirmInterval time.Duration
	// ReportingToggle separates W and Q when re-arming status output.
	ReportingToggle time.Duration
	// StatusRetryToggle is the longer pause used on the status retry.
	StatusRetryToggle time.Duration
}

// DefaultTiming returns the delays observed to work with the hardware.
func DefaultTiming() Timing {
	return Timing{
		SendSettle:        100 * time.Millisecond,
		QueryDelay:        150 * time.Millisecond,
		EmptyReadBackoff:  50 * time.Millisecond,
		ConfirmInterval:   300 * time.Millisecond,
		ReportingToggle:   100 * time.Millisecond,
		StatusRetryToggle: 500 * time.Millisecond,
	}
}

// Config holds the device session configuration.
type Config struct {
	Logger  *zap.Logger
	Metrics Metrics
	Timing  Timing
	Opener  Opener
	Ports   PortLister
}

func defaultConfig() Config {
	return Config{
		Logger:  zap.NewNop(),
		Metrics: nopMetrics{},
		Timing:  DefaultTiming(),
	}
}

// Option is a functional option for configuring the Device.
type Option func(*Config)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		if m != nil {
			c.Metrics = m
		}
	}
}

// WithTiming overrides the exchange delays. Tests pass a zero Timing.
func WithTiming(t Timing) Option {
	return func(c *Config) {
		c.Timing = t
	}
}

// WithOpener sets how a channel is opened for a port.
func WithOpener(o Opener) Option {
	return func(c *Config) {
		c.Opener = o
	}
}

// WithPortLister sets the port enumeration used by Open.
func WithPortLister(l PortLister) Option {
	return func(c *Config) {
		c.Ports = l
	}
}

// Metrics receives exchange outcomes. Implementations must be cheap and
// non-blocking, they are called with the session lock held.
type Metrics interface {
	FrameDecoded(kind FrameKind)
	FrameRejected(kind FrameKind)
	EmptyRead(kind FrameKind)
	OutputConfirm(target bool, confirmed bool, attempts int)
	ParameterClamped(name string)
}

type nopMetrics struct{}

func (nopMetrics) FrameDecoded(FrameKind)        {}
func (nopMetrics) FrameRejected(FrameKind)       {}
func (nopMetrics) EmptyRead(FrameKind)           {}
func (nopMetrics) OutputConfirm(bool, bool, int) {}
func (nopMetrics) ParameterClamped(string)       {}
