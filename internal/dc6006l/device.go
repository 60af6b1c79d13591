package dc6006l

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Device is a session with one DC6006L supply. Every public operation holds
// the exchange slot for its whole write+read exchange, including the confirm
// loops, so Device is safe for concurrent use. Waiting for the slot honours
// the caller's context.
type Device struct {
	ID uuid.UUID

	cfg    Config
	logger *zap.Logger

	// sem is the exchange slot. mu only guards client and port for the
	// accessors, writers of those hold both.
	sem    chan struct{}
	mu     sync.Mutex
	client *Client
	port   string

	reporting    bool
	reportingOff bool // explicitly disabled by the caller
	dirty        bool
}

// New creates a closed session. Opener and PortLister must be supplied before
// Open is called.
func New(opts ...Option) *Device {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.New()
	return &Device{
		ID:     id,
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("session", id.String())),
		sem:    make(chan struct{}, 1),
	}
}

// Open connects to port after checking it against the enumerated ports.
func (d *Device) Open(port string) error {
	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	if d.client != nil {
		return ErrAlreadyOpen
	}
	if d.cfg.Ports == nil || d.cfg.Opener == nil {
		return fmt.Errorf("dc6006l: no port lister or opener configured")
	}

	ports, err := d.cfg.Ports()
	if err != nil {
		return fmt.Errorf("failed to list ports: %w", err)
	}
	if !slices.Contains(ports, port) {
		d.logger.Error("Port not found",
			zap.String("port", port),
			zap.Strings("available", ports))
		return &PortNotFoundError{Port: port, Available: ports}
	}

	ch, err := d.cfg.Opener(port, BaudRate, ReadTimeout)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", port, err)
	}

	d.mu.Lock()
	d.client = NewClient(ch, d.cfg.Timing, d.logger)
	d.port = port
	d.mu.Unlock()
	d.reporting = false
	d.reportingOff = false
	d.dirty = false

	d.logger.Info("Session opened",
		zap.String("port", port),
		zap.Int("baud", BaudRate),
		zap.Duration("read_timeout", ReadTimeout))

	return nil
}

// Close releases the channel.
func (d *Device) Close() error {
	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	if d.client == nil {
		return ErrNotOpen
	}

	err := d.client.Close()
	d.logger.Info("Session closed", zap.String("port", d.port))
	d.mu.Lock()
	d.client = nil
	d.port = ""
	d.mu.Unlock()
	d.reporting = false
	d.reportingOff = false

	if err != nil {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	return nil
}

// ListPorts enumerates the ports the session could be opened on.
func (d *Device) ListPorts() ([]string, error) {
	if d.cfg.Ports == nil {
		return nil, fmt.Errorf("dc6006l: no port lister configured")
	}
	return d.cfg.Ports()
}

// IsOpen reports whether the session owns a channel.
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client != nil
}

// Port returns the port of the open session, empty when closed.
func (d *Device) Port() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port
}

// Busy reports whether an exchange currently holds the session.
func (d *Device) Busy() bool {
	return len(d.sem) > 0
}

// acquire takes the exchange slot and flushes buffers left dirty by a
// cancelled operation. If ctx ends while another exchange holds the slot the
// result is ErrBusy and nothing was written. On success the caller must call
// release.
func (d *Device) acquire(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
	default:
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrBusy, ctx.Err())
		}
	}

	if d.client == nil {
		<-d.sem
		return ErrNotOpen
	}
	if d.dirty {
		if err := d.client.Flush(); err != nil {
			d.logger.Warn("Flush after cancelled operation failed", zap.Error(err))
		}
		d.dirty = false
	}
	return nil
}

func (d *Device) release(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		d.dirty = true
	}
	<-d.sem
}

// SetVoltage sets the output voltage, clamped to 0..60 V. The device echo is
// accepted when it is within 0.1 V of the value sent.
func (d *Device) SetVoltage(ctx context.Context, v float64) (sp Setpoint, err error) {
	if err = d.acquire(ctx); err != nil {
		return Setpoint{}, err
	}
	defer func() { d.release(err) }()

	return d.setpoint(ctx, VoltageRange, SetVoltageCommand, v)
}

// SetCurrent sets the current limit, clamped to 0..6 A. The echo must match
// to the milliamp.
func (d *Device) SetCurrent(ctx context.Context, i float64) (sp Setpoint, err error) {
	if err = d.acquire(ctx); err != nil {
		return Setpoint{}, err
	}
	defer func() { d.release(err) }()

	return d.setpoint(ctx, CurrentRange, SetCurrentCommand, i)
}

// SetVoltageProtect sets the over-voltage protection, clamped to 0.2..61 V.
func (d *Device) SetVoltageProtect(ctx context.Context, v float64) (sp Setpoint, err error) {
	if err = d.acquire(ctx); err != nil {
		return Setpoint{}, err
	}
	defer func() { d.release(err) }()

	return d.setpoint(ctx, VoltageProtectRange, SetVoltageProtectCommand, v)
}

// SetCurrentProtect sets the over-current protection, clamped to 0..6 A.
func (d *Device) SetCurrentProtect(ctx context.Context, i float64) (sp Setpoint, err error) {
	if err = d.acquire(ctx); err != nil {
		return Setpoint{}, err
	}
	defer func() { d.release(err) }()

	return d.setpoint(ctx, CurrentProtectRange, SetCurrentProtectCommand, i)
}

func (d *Device) setpoint(ctx context.Context, r Range, build func(float64) Command, v float64) (Setpoint, error) {
	applied, corrected := r.Clamp(v)
	if corrected {
		d.cfg.Metrics.ParameterClamped(r.Name)
		d.logger.Warn("Parameter out of range, clamped",
			zap.String("parameter", r.Name),
			zap.String("unit", r.Unit),
			zap.Float64("requested", v),
			zap.Float64("applied", applied),
			zap.Float64("min", r.Min),
			zap.Float64("max", r.Max))
	}

	sp := Setpoint{Requested: v, Applied: applied, Corrected: corrected}
	cmd := build(applied)

	switch cmd.Kind {
	case CmdSetVoltage, CmdSetCurrent:
		ack, err := queryFrame(ctx, d, cmd, FrameAck, AckFrameLen, DecodeAck)
		if err != nil {
			return sp, err
		}
		sp.ReadBackVoltage, sp.ReadBackCurrent = ack.Voltage, ack.Current
		if cmd.Kind == CmdSetVoltage {
			return sp, d.compare(r, cmd, ack.voltageCounts, VoltageTolerance)
		}
		return sp, d.compare(r, cmd, ack.currentCounts, 0)

	default:
		echo, err := queryFrame(ctx, d, cmd, FrameEcho, EchoFrameLen, DecodeEcho)
		if err != nil {
			return sp, err
		}
		sp.ReadBackVoltage, sp.ReadBackCurrent = echo.VoltageLimit, echo.CurrentLimit
		if cmd.Kind == CmdSetVoltageProtect {
			return sp, d.compare(r, cmd, echo.voltageCounts, 0)
		}
		return sp, d.compare(r, cmd, echo.currentCounts, 0)
	}
}

// queryFrame runs one query and decodes the reply. A missing or malformed
// reply is ErrNoAck. Caller holds the exchange slot.
func queryFrame[T any](ctx context.Context, d *Device, cmd Command, kind FrameKind, n int, decode func([]byte) (T, error)) (T, error) {
	var zero T

	raw, err := d.client.Query(ctx, cmd, n)
	if err != nil {
		var we *WriteError
		if errors.As(err, &we) || ctx.Err() != nil {
			return zero, err
		}
		d.logger.Warn("Reply read failed", zap.String("command", cmd.String()), zap.Error(err))
	}

	if len(raw) == 0 {
		d.cfg.Metrics.EmptyRead(kind)
		return zero, fmt.Errorf("%w: %s: empty reply", ErrNoAck, cmd.Kind)
	}

	v, err := decode(raw)
	if err != nil {
		d.cfg.Metrics.FrameRejected(kind)
		d.logger.Warn("Reply rejected",
			zap.String("command", cmd.String()),
			zap.ByteString("raw", raw),
			zap.Error(err))
		return zero, fmt.Errorf("%w: %s: %w", ErrNoAck, cmd.Kind, err)
	}

	d.cfg.Metrics.FrameDecoded(kind)
	return v, nil
}

// compare checks the echoed counts against the counts sent.
func (d *Device) compare(r Range, cmd Command, echoed int, tolerance float64) error {
	scale := cmd.Kind.scale()
	diff := echoed - cmd.Counts()
	if diff < 0 {
		diff = -diff
	}

	if diff == 0 {
		return nil
	}
	if diff <= toCounts(tolerance, scale) {
		d.logger.Debug("Read-back within tolerance",
			zap.String("parameter", r.Name),
			zap.Float64("set", cmd.Value),
			zap.Float64("read_back", fromCounts(echoed, scale)))
		return nil
	}

	mismatch := &ReadBackMismatchError{
		Quantity:  r.Name,
		Requested: fromCounts(cmd.Counts(), scale),
		ReadBack:  fromCounts(echoed, scale),
		Tolerance: tolerance,
	}
	d.logger.Warn("Set and read-back value mismatch",
		zap.String("parameter", r.Name),
		zap.String("unit", r.Unit),
		zap.Float64("set", mismatch.Requested),
		zap.Float64("read_back", mismatch.ReadBack))
	return mismatch
}

// EnableOutput switches the output on and confirms it by polling state.
func (d *Device) EnableOutput(ctx context.Context) (err error) {
	if err = d.acquire(ctx); err != nil {
		return err
	}
	defer func() { d.release(err) }()

	return d.confirmOutput(ctx, true)
}

// DisableOutput switches the output off and confirms it by polling state.
func (d *Device) DisableOutput(ctx context.Context) (err error) {
	if err = d.acquire(ctx); err != nil {
		return err
	}
	defer func() { d.release(err) }()

	return d.confirmOutput(ctx, false)
}

// GetState returns the next valid telemetry frame, or ErrStateUnavailable.
// After DisableStateReporting it fails with ErrReportingDisabled without
// touching the wire.
func (d *Device) GetState(ctx context.Context) (st State, err error) {
	if err = d.acquire(ctx); err != nil {
		return State{}, err
	}
	defer func() { d.release(err) }()

	if d.reportingOff {
		return State{}, ErrReportingDisabled
	}
	if err = d.ensureReporting(ctx); err != nil {
		return State{}, err
	}
	return d.readState(ctx)
}

// GetStatus re-arms reporting and reads one extended status frame. If the
// frame lacks the marker the re-arm and read are repeated exactly once.
func (d *Device) GetStatus(ctx context.Context) (s Status, err error) {
	if err = d.acquire(ctx); err != nil {
		return Status{}, err
	}
	defer func() { d.release(err) }()

	if d.reportingOff {
		defer d.restoreReporting(ctx)
	}

	raw, err := d.armStatus(ctx, d.cfg.Timing.ReportingToggle, 0)
	if err != nil {
		return Status{}, err
	}

	if !HasStatusMarker(raw) {
		d.logger.Debug("Status marker missing, re-arming",
			zap.String("port", d.port),
			zap.ByteString("raw", raw))
		d.cfg.Metrics.FrameRejected(FrameStatus)

		raw, err = d.armStatus(ctx, d.cfg.Timing.StatusRetryToggle, d.cfg.Timing.ReportingToggle)
		if err != nil {
			return Status{}, err
		}
	}

	s, derr := DecodeStatus(raw)
	if derr != nil {
		d.cfg.Metrics.FrameRejected(FrameStatus)
		d.logger.Warn("Wrong status reply, check the port",
			zap.String("port", d.port),
			zap.ByteString("raw", raw),
			zap.Error(derr))
		return Status{}, fmt.Errorf("%w: %w", ErrStatusUnavailable, derr)
	}

	d.cfg.Metrics.FrameDecoded(FrameStatus)
	return s, nil
}

// GetStatusField reads the status and returns a single field.
func (d *Device) GetStatusField(ctx context.Context, f StatusField) (float64, error) {
	if !f.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownField, string(f))
	}
	s, err := d.GetStatus(ctx)
	if err != nil {
		return 0, err
	}
	v, _ := f.Value(s)
	return v, nil
}

// EnableStateReporting makes the supply stream state frames.
func (d *Device) EnableStateReporting(ctx context.Context) (err error) {
	if err = d.acquire(ctx); err != nil {
		return err
	}
	defer func() { d.release(err) }()

	if err = d.client.Send(ctx, BareCommand(CmdEnableReporting)); err != nil {
		return err
	}
	d.reporting = true
	d.reportingOff = false
	return nil
}

// DisableStateReporting stops the state stream. It stays off until
// EnableStateReporting: GetState refuses, and output changes and status reads
// re-arm only for their own exchange.
func (d *Device) DisableStateReporting(ctx context.Context) (err error) {
	if err = d.acquire(ctx); err != nil {
		return err
	}
	defer func() { d.release(err) }()

	if err = d.client.Send(ctx, BareCommand(CmdDisableReporting)); err != nil {
		return err
	}
	d.reporting = false
	d.reportingOff = true
	return nil
}
