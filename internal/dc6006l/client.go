package dc6006l

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Channel is the duplex byte stream to the supply. Read must return (0, nil)
// when the read timeout elapses without data. go.bug.st/serial.Port
// satisfies it.
type Channel interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// Opener opens a channel on the named port.
type Opener func(port string, baud int, readTimeout time.Duration) (Channel, error)

// PortLister enumerates the ports currently available.
type PortLister func() ([]string, error)

// Client performs raw exchanges on a channel. It is not safe for concurrent
// use, Device serializes every operation.
type Client struct {
	ch     Channel
	timing Timing
	logger *zap.Logger
}

func NewClient(ch Channel, timing Timing, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		ch:     ch,
		timing: timing,
		logger: logger,
	}
}

// Send writes a command without waiting for a reply.
func (c *Client) Send(ctx context.Context, cmd Command) error {
	frame, err := cmd.Encode()
	if err != nil {
		return err
	}

	if err := c.ch.ResetOutputBuffer(); err != nil {
		c.logger.Debug("Output flush failed", zap.Error(err))
	}
	if err := sleep(ctx, c.timing.SendSettle); err != nil {
		return err
	}

	if _, err := c.ch.Write(frame); err != nil {
		return &WriteError{Command: cmd.Kind, Err: err}
	}

	c.logger.Debug("Frame sent", zap.String("frame", cmd.String()))
	return nil
}

// Query flushes both buffers, writes cmd and reads a reply of up to n bytes.
func (c *Client) Query(ctx context.Context, cmd Command, n int) ([]byte, error) {
	frame, err := cmd.Encode()
	if err != nil {
		return nil, err
	}

	if err := c.Flush(); err != nil {
		c.logger.Debug("Buffer flush failed", zap.Error(err))
	}

	if _, err := c.ch.Write(frame); err != nil {
		return nil, &WriteError{Command: cmd.Kind, Err: err}
	}
	c.logger.Debug("Query sent", zap.String("frame", cmd.String()), zap.Int("expect", n))

	if err := sleep(ctx, c.timing.QueryDelay); err != nil {
		return nil, err
	}

	return c.ReadFrame(n)
}

// ReadFrame reads until n bytes arrived or a read times out. A short result
// is a truncated frame and is left to the decoder to reject.
func (c *Client) ReadFrame(n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		k, err := c.ch.Read(buf[got:])
		got += k
		if err != nil {
			return buf[:got], fmt.Errorf("read failed: %w", err)
		}
		if k == 0 {
			break
		}
	}
	return buf[:got], nil
}

// Flush discards anything pending in both directions.
func (c *Client) Flush() error {
	if err := c.ch.ResetOutputBuffer(); err != nil {
		return fmt.Errorf("reset output buffer: %w", err)
	}
	if err := c.ch.ResetInputBuffer(); err != nil {
		return fmt.Errorf("reset input buffer: %w", err)
	}
	return nil
}

// Close schließt den Kanal
func (c *Client) Close() error {
	return c.ch.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
