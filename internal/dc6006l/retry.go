package dc6006l

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// readState polls for a well-formed state frame. Empty reads back off,
// garbled or truncated frames are dropped and read again. Exhausting the
// budget yields ErrStateUnavailable, wrapping the last rejection if any.
// Caller holds the exchange slot.
func (d *Device) readState(ctx context.Context) (State, error) {
	var lastErr error

	for attempt := 1; attempt <= StateReadAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return State{}, err
		}

		raw, err := d.client.ReadFrame(StateFrameLen)
		if err != nil {
			d.logger.Warn("State read failed",
				zap.String("port", d.port),
				zap.Int("attempt", attempt),
				zap.Error(err))
			lastErr = err
		}

		if len(raw) == 0 {
			d.cfg.Metrics.EmptyRead(FrameState)
			if attempt < StateReadAttempts {
				if err := sleep(ctx, d.cfg.Timing.EmptyReadBackoff); err != nil {
					return State{}, err
				}
			}
			continue
		}

		st, err := DecodeState(raw)
		if err != nil {
			d.cfg.Metrics.FrameRejected(FrameState)
			d.logger.Debug("State frame rejected",
				zap.Int("attempt", attempt),
				zap.ByteString("raw", raw),
				zap.Error(err))
			lastErr = err
			continue
		}

		d.cfg.Metrics.FrameDecoded(FrameState)
		return st, nil
	}

	if lastErr != nil {
		return State{}, fmt.Errorf("%w: %w", ErrStateUnavailable, lastErr)
	}
	return State{}, ErrStateUnavailable
}

// confirmOutput sends N or F and accepts only when a following state frame
// reports the target on/off flag. Caller holds the exchange slot.
func (d *Device) confirmOutput(ctx context.Context, target bool) error {
	cmd := BareCommand(CmdDisableOutput)
	if target {
		cmd = BareCommand(CmdEnableOutput)
	}

	if d.reportingOff {
		defer d.restoreReporting(ctx)
	}
	if err := d.ensureReporting(ctx); err != nil {
		return err
	}

	for attempt := 1; attempt <= OutputConfirmAttempts; attempt++ {
		if err := d.client.Send(ctx, cmd); err != nil {
			return err
		}

		st, err := d.readState(ctx)
		switch {
		case err == nil && st.OutputOn == target:
			d.cfg.Metrics.OutputConfirm(target, true, attempt)
			d.logger.Info("Output state confirmed",
				zap.String("port", d.port),
				zap.Bool("on", target),
				zap.Int("attempts", attempt))
			return nil
		case err != nil && !errors.Is(err, ErrStateUnavailable):
			return err
		}

		d.logger.Debug("Output state not yet confirmed",
			zap.Bool("target", target),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < OutputConfirmAttempts {
			if err := sleep(ctx, d.cfg.Timing.ConfirmInterval); err != nil {
				return err
			}
		}
	}

	d.cfg.Metrics.OutputConfirm(target, false, OutputConfirmAttempts)
	d.logger.Warn("Output state not confirmed",
		zap.String("port", d.port),
		zap.Bool("target", target),
		zap.Int("attempts", OutputConfirmAttempts))

	return &OutputConfirmError{Target: target, Attempts: OutputConfirmAttempts}
}

// armStatus re-arms reporting (W, pause, Q) so the supply emits a fresh
// status frame, then reads it. Caller holds the exchange slot.
func (d *Device) armStatus(ctx context.Context, toggle, settle time.Duration) ([]byte, error) {
	if err := d.client.Send(ctx, BareCommand(CmdDisableReporting)); err != nil {
		return nil, err
	}
	d.reporting = false

	if err := sleep(ctx, toggle); err != nil {
		return nil, err
	}

	if err := d.client.Send(ctx, BareCommand(CmdEnableReporting)); err != nil {
		return nil, err
	}
	d.reporting = true

	if err := sleep(ctx, settle); err != nil {
		return nil, err
	}

	raw, err := d.client.ReadFrame(StatusFrameLen)
	if err != nil {
		d.logger.Warn("Status read failed", zap.String("port", d.port), zap.Error(err))
	}
	return raw, nil
}

// ensureReporting enables state reporting once per session. Caller holds the exchange slot.
func (d *Device) ensureReporting(ctx context.Context) error {
	if d.reporting {
		return nil
	}
	if err := d.client.Send(ctx, BareCommand(CmdEnableReporting)); err != nil {
		return err
	}
	d.reporting = true
	d.logger.Debug("State reporting enabled", zap.String("port", d.port))
	return nil
}

// restoreReporting stops the stream again after an exchange had to re-arm it
// while the caller wanted reporting off. It runs even when ctx is done.
func (d *Device) restoreReporting(ctx context.Context) {
	if !d.reporting {
		return
	}
	if err := d.client.Send(context.WithoutCancel(ctx), BareCommand(CmdDisableReporting)); err != nil {
		d.logger.Warn("Failed to stop state reporting again",
			zap.String("port", d.port),
			zap.Error(err))
		return
	}
	d.reporting = false
}
