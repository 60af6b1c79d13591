package dc6006l

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const testPort = "/dev/ttyUSB0"

// mockChannel replays one queued reply per read exchange. A reply shorter
// than the caller's buffer is followed by a timed-out read, like a real port.
type mockChannel struct {
	mu sync.Mutex

	replies [][]byte
	short   bool
	reads   int
	writes  []string

	inputResets  int
	outputResets int
	closed       bool
	writeErr     error
}

func (m *mockChannel) queue(frames ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range frames {
		m.replies = append(m.replies, []byte(f))
	}
}

func (m *mockChannel) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads++
	if m.short {
		m.short = false
		return 0, nil
	}
	if len(m.replies) == 0 {
		return 0, nil
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	n := copy(p, r)
	if n < len(p) {
		m.short = n > 0
	}
	return n, nil
}

func (m *mockChannel) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.writes = append(m.writes, strings.TrimSuffix(string(p), Terminator))
	return len(p), nil
}

func (m *mockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockChannel) ResetInputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputResets++
	return nil
}

func (m *mockChannel) ResetOutputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputResets++
	return nil
}

func (m *mockChannel) count(frame string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.writes {
		if w == frame {
			n++
		}
	}
	return n
}

func newTestDevice(t *testing.T, ch *mockChannel, opts ...Option) *Device {
	t.Helper()

	base := []Option{
		WithLogger(zaptest.NewLogger(t)),
		WithTiming(Timing{}),
		WithPortLister(func() ([]string, error) { return []string{testPort}, nil }),
		WithOpener(func(port string, baud int, timeout time.Duration) (Channel, error) {
			if baud != BaudRate || timeout != ReadTimeout {
				t.Errorf("opened with baud=%d timeout=%s", baud, timeout)
			}
			return ch, nil
		}),
	}
	d := New(append(base, opts...)...)
	if err := d.Open(testPort); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return d
}

func TestOpenPortNotFound(t *testing.T) {
	opened := false
	d := New(
		WithPortLister(func() ([]string, error) { return []string{"/dev/ttyS0", "/dev/ttyS1"}, nil }),
		WithOpener(func(string, int, time.Duration) (Channel, error) {
			opened = true
			return &mockChannel{}, nil
		}),
	)

	err := d.Open("COM7")
	if !errors.Is(err, ErrPortNotFound) {
		t.Fatalf("expected ErrPortNotFound, got %v", err)
	}
	var pnf *PortNotFoundError
	if !errors.As(err, &pnf) || len(pnf.Available) != 2 {
		t.Errorf("expected available ports in error, got %v", err)
	}
	if !IsFatal(err) {
		t.Error("port not found must be fatal")
	}
	if opened {
		t.Error("opener called for unknown port")
	}
	if d.IsOpen() {
		t.Error("session open after failed Open")
	}
}

func TestOpenClose(t *testing.T) {
	ch := &mockChannel{}
	d := newTestDevice(t, ch)

	if !d.IsOpen() || d.Port() != testPort {
		t.Fatalf("IsOpen=%v Port=%q", d.IsOpen(), d.Port())
	}
	if err := d.Open(testPort); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("second Open: expected ErrAlreadyOpen, got %v", err)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !ch.closed {
		t.Error("channel not closed")
	}
	if err := d.Close(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("second Close: expected ErrNotOpen, got %v", err)
	}
}

func TestOperationsRequireOpenSession(t *testing.T) {
	d := New()
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["SetVoltage"] = d.SetVoltage(ctx, 5)
	_, checks["SetCurrent"] = d.SetCurrent(ctx, 1)
	_, checks["SetVoltageProtect"] = d.SetVoltageProtect(ctx, 10)
	_, checks["SetCurrentProtect"] = d.SetCurrentProtect(ctx, 1)
	checks["EnableOutput"] = d.EnableOutput(ctx)
	checks["DisableOutput"] = d.DisableOutput(ctx)
	_, checks["GetState"] = d.GetState(ctx)
	_, checks["GetStatus"] = d.GetStatus(ctx)
	checks["EnableStateReporting"] = d.EnableStateReporting(ctx)
	checks["DisableStateReporting"] = d.DisableStateReporting(ctx)

	for name, err := range checks {
		if !errors.Is(err, ErrNotOpen) {
			t.Errorf("%s: expected ErrNotOpen, got %v", name, err)
		}
	}
}

func TestSetVoltage(t *testing.T) {
	tests := []struct {
		name      string
		in        float64
		frame     string
		reply     string
		applied   float64
		corrected bool
	}{
		{"in range", 5, "V0500", ackFrame(500, 0), 5, false},
		{"fractional", 12.34, "V1234", ackFrame(1234, 0), 12.34, false},
		{"upper bound", 60, "V6000", ackFrame(6000, 0), 60, false},
		{"above range", 75, "V6000", ackFrame(6000, 0), 60, true},
		{"below range", -3, "V0000", ackFrame(0, 0), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &mockChannel{}
			ch.queue(tt.reply)
			d := newTestDevice(t, ch)

			sp, err := d.SetVoltage(context.Background(), tt.in)
			if err != nil {
				t.Fatalf("SetVoltage() error = %v", err)
			}
			if len(ch.writes) != 1 || ch.writes[0] != tt.frame {
				t.Errorf("writes = %v, want [%s]", ch.writes, tt.frame)
			}
			if sp.Applied != tt.applied || sp.Corrected != tt.corrected || sp.Requested != tt.in {
				t.Errorf("setpoint = %+v", sp)
			}
		})
	}
}

func TestSetVoltageTolerance(t *testing.T) {
	tests := []struct {
		name  string
		echo  int
		match bool
	}{
		{"exact", 500, true},
		{"upper edge", 510, true},
		{"lower edge", 490, true},
		{"above", 511, false},
		{"below", 489, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &mockChannel{}
			ch.queue(ackFrame(tt.echo, 0))
			d := newTestDevice(t, ch)

			_, err := d.SetVoltage(context.Background(), 5)
			if tt.match {
				if err != nil {
					t.Fatalf("SetVoltage() error = %v", err)
				}
				return
			}

			var mm *ReadBackMismatchError
			if !errors.As(err, &mm) {
				t.Fatalf("expected *ReadBackMismatchError, got %v", err)
			}
			if mm.Requested != 5 || mm.ReadBack != float64(tt.echo)/100 {
				t.Errorf("mismatch = %+v", mm)
			}
			if IsFatal(err) {
				t.Error("mismatch must not be fatal")
			}
		})
	}
}

func TestSetVoltageMismatchIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ch := &mockChannel{}
	ch.queue(ackFrame(800, 0))
	d := newTestDevice(t, ch, WithLogger(zap.New(core)))

	if _, err := d.SetVoltage(context.Background(), 5); !errors.Is(err, ErrReadBackMismatch) {
		t.Fatalf("expected ErrReadBackMismatch, got %v", err)
	}

	entries := logs.FilterMessage("Set and read-back value mismatch").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 mismatch log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["set"] != 5.0 || fields["read_back"] != 8.0 || fields["unit"] != "V" {
		t.Errorf("log fields = %v", fields)
	}
}

func TestClampWarningNamesUnit(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ch := &mockChannel{}
	ch.queue(ackFrame(0, 6000))
	d := newTestDevice(t, ch, WithLogger(zap.New(core)))

	sp, err := d.SetCurrent(context.Background(), 7.5)
	if err != nil {
		t.Fatalf("SetCurrent() error = %v", err)
	}
	if !sp.Corrected || sp.Applied != 6 {
		t.Errorf("setpoint = %+v", sp)
	}

	entries := logs.FilterMessage("Parameter out of range, clamped").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 clamp log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["parameter"] != "current" || fields["unit"] != "A" || fields["applied"] != 6.0 {
		t.Errorf("log fields = %v", fields)
	}
}

func TestSetVoltageNoAck(t *testing.T) {
	tests := map[string]string{
		"no reply":  "",
		"truncated": "0500A",
		"garbled":   "0500B0000A",
	}

	for name, reply := range tests {
		t.Run(name, func(t *testing.T) {
			ch := &mockChannel{}
			ch.queue(reply)
			d := newTestDevice(t, ch)

			_, err := d.SetVoltage(context.Background(), 5)
			if !errors.Is(err, ErrNoAck) {
				t.Fatalf("expected ErrNoAck, got %v", err)
			}
			if IsFatal(err) {
				t.Error("missing ack must not be fatal")
			}
		})
	}
}

func TestSetCurrent(t *testing.T) {
	ch := &mockChannel{}
	ch.queue(ackFrame(500, 1234), ackFrame(500, 1233))
	d := newTestDevice(t, ch)
	ctx := context.Background()

	sp, err := d.SetCurrent(ctx, 1.234)
	if err != nil {
		t.Fatalf("SetCurrent() error = %v", err)
	}
	if sp.ReadBackCurrent != 1.234 || sp.ReadBackVoltage != 5 {
		t.Errorf("read back = %+v", sp)
	}

	// current tolerates no deviation
	if _, err := d.SetCurrent(ctx, 1.234); !errors.Is(err, ErrReadBackMismatch) {
		t.Errorf("expected ErrReadBackMismatch, got %v", err)
	}

	if got := strings.Join(ch.writes, ","); got != "I1234,I1234" {
		t.Errorf("writes = %s", got)
	}
}

func TestSetProtection(t *testing.T) {
	ch := &mockChannel{}
	ch.queue(
		echoFrame(20, 6000, 36000),
		echoFrame(6100, 6000, 36000),
		echoFrame(3000, 2500, 36000),
		echoFrame(3000, 2400, 36000),
	)
	d := newTestDevice(t, ch)
	ctx := context.Background()

	sp, err := d.SetVoltageProtect(ctx, 0.1)
	if err != nil {
		t.Fatalf("SetVoltageProtect(0.1) error = %v", err)
	}
	if !sp.Corrected || sp.Applied != 0.2 {
		t.Errorf("setpoint = %+v", sp)
	}

	if _, err := d.SetVoltageProtect(ctx, 70); err != nil {
		t.Fatalf("SetVoltageProtect(70) error = %v", err)
	}

	if _, err := d.SetCurrentProtect(ctx, 2.5); err != nil {
		t.Fatalf("SetCurrentProtect(2.5) error = %v", err)
	}

	_, err = d.SetCurrentProtect(ctx, 2.5)
	var mm *ReadBackMismatchError
	if !errors.As(err, &mm) || mm.ReadBack != 2.4 {
		t.Errorf("expected mismatch with read back 2.4, got %v", err)
	}

	if got := strings.Join(ch.writes, ","); got != "B0020,B6100,D2500,D2500" {
		t.Errorf("writes = %s", got)
	}
}

func TestEnableOutputConfirmsOnSecondCycle(t *testing.T) {
	ch := &mockChannel{}
	ch.queue(
		stateFrame(0, 0, 0, 0, 25, 0, 0, 0),
		stateFrame(500, 100, 50, 0, 25, 0, 0, 1),
	)
	d := newTestDevice(t, ch)

	if err := d.EnableOutput(context.Background()); err != nil {
		t.Fatalf("EnableOutput() error = %v", err)
	}
	if n := ch.count("N"); n != 2 {
		t.Errorf("sent N %d times, want 2", n)
	}
	if n := ch.count("Q"); n != 1 {
		t.Errorf("sent Q %d times, want 1", n)
	}
}

func TestEnableOutputNeverConfirmed(t *testing.T) {
	off := stateFrame(0, 0, 0, 0, 25, 0, 0, 0)
	ch := &mockChannel{}
	ch.queue(off, off, off, off, off, off)
	d := newTestDevice(t, ch)

	err := d.EnableOutput(context.Background())
	var ce *OutputConfirmError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *OutputConfirmError, got %v", err)
	}
	if !ce.Target || ce.Attempts != OutputConfirmAttempts {
		t.Errorf("confirm error = %+v", ce)
	}
	if !errors.Is(err, ErrOutputNotConfirmed) || IsFatal(err) {
		t.Errorf("unexpected classification of %v", err)
	}
	if n := ch.count("N"); n != OutputConfirmAttempts {
		t.Errorf("sent N %d times, want %d", n, OutputConfirmAttempts)
	}
}

func TestDisableOutputSilentDevice(t *testing.T) {
	ch := &mockChannel{}
	d := newTestDevice(t, ch)

	err := d.DisableOutput(context.Background())
	if !errors.Is(err, ErrOutputNotConfirmed) {
		t.Fatalf("expected ErrOutputNotConfirmed, got %v", err)
	}
	if n := ch.count("F"); n != OutputConfirmAttempts {
		t.Errorf("sent F %d times, want %d", n, OutputConfirmAttempts)
	}
	if ch.reads != OutputConfirmAttempts*StateReadAttempts {
		t.Errorf("reads = %d, want %d", ch.reads, OutputConfirmAttempts*StateReadAttempts)
	}
}

func TestGetStateAfterEmptyReads(t *testing.T) {
	ch := &mockChannel{}
	ch.queue("", "", "", "", stateFrame(1200, 2000, 2400, 0, 40, 1, 0, 1))
	d := newTestDevice(t, ch)

	st, err := d.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if st.Voltage != 12 || st.Current != 2 || st.Power != 24 || st.Mode != ModeCC || !st.OutputOn {
		t.Errorf("state = %+v", st)
	}
	if ch.reads != 5 {
		t.Errorf("reads = %d, want 5", ch.reads)
	}
}

func TestGetStateUnavailable(t *testing.T) {
	ch := &mockChannel{}
	ch.queue("", "", "", "", "")
	d := newTestDevice(t, ch)

	if _, err := d.GetState(context.Background()); !errors.Is(err, ErrStateUnavailable) {
		t.Fatalf("expected ErrStateUnavailable, got %v", err)
	}
	if ch.reads != StateReadAttempts {
		t.Errorf("reads = %d, want %d", ch.reads, StateReadAttempts)
	}
}

func TestGetStateSkipsMalformedFrames(t *testing.T) {
	valid := stateFrame(500, 1000, 500, 0, 25, 0, 0, 1)
	bad := []byte(valid)
	bad[9] = 'X'

	ch := &mockChannel{}
	ch.queue(string(bad), valid[:12], valid)
	d := newTestDevice(t, ch)

	st, err := d.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if st.Voltage != 5 || st.Current != 1 {
		t.Errorf("state = %+v", st)
	}
}

func TestGetStateRejectsOnlyGarbage(t *testing.T) {
	ch := &mockChannel{}
	for i := 0; i < StateReadAttempts; i++ {
		ch.queue(strings.Repeat("Z", StateFrameLen))
	}
	d := newTestDevice(t, ch)

	_, err := d.GetState(context.Background())
	if !errors.Is(err, ErrStateUnavailable) {
		t.Fatalf("expected ErrStateUnavailable, got %v", err)
	}
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Errorf("expected last rejection to be wrapped, got %v", err)
	}
}

func TestGetStatus(t *testing.T) {
	status := statusFrame(stateFrame(500, 120, 60, 0, 28, 0, 0, 1), 500, 1000, 6100, 6000, 36000, 0, 0, 0, 0)

	ch := &mockChannel{}
	ch.queue(status)
	d := newTestDevice(t, ch)

	s, err := d.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if s.SetVoltage != 5 || s.VoltageLimit != 61 {
		t.Errorf("status = %+v", s)
	}
	if got := strings.Join(ch.writes, ","); got != "W,Q" {
		t.Errorf("writes = %s, want W,Q", got)
	}
}

func TestGetStatusRetriesOnceOnMissingMarker(t *testing.T) {
	status := statusFrame(stateFrame(500, 120, 60, 0, 28, 0, 0, 1), 500, 1000, 6100, 6000, 36000, 0, 0, 0, 0)
	noise := strings.Repeat("0", StatusFrameLen)

	t.Run("recovers", func(t *testing.T) {
		ch := &mockChannel{}
		ch.queue(noise, status)
		d := newTestDevice(t, ch)

		if _, err := d.GetStatus(context.Background()); err != nil {
			t.Fatalf("GetStatus() error = %v", err)
		}
		if got := strings.Join(ch.writes, ","); got != "W,Q,W,Q" {
			t.Errorf("writes = %s, want W,Q,W,Q", got)
		}
	})

	t.Run("gives up after one retry", func(t *testing.T) {
		ch := &mockChannel{}
		ch.queue(noise, noise, status)
		d := newTestDevice(t, ch)

		if _, err := d.GetStatus(context.Background()); !errors.Is(err, ErrStatusUnavailable) {
			t.Fatalf("expected ErrStatusUnavailable, got %v", err)
		}
		if got := strings.Join(ch.writes, ","); got != "W,Q,W,Q" {
			t.Errorf("writes = %s, want W,Q,W,Q", got)
		}
	})
}

func TestGetStatusField(t *testing.T) {
	status := statusFrame(stateFrame(500, 120, 60, 0, 28, 0, 0, 1), 500, 1000, 3000, 6000, 36000, 1, 0, 10, 0)

	ch := &mockChannel{}
	ch.queue(status)
	d := newTestDevice(t, ch)
	ctx := context.Background()

	v, err := d.GetStatusField(ctx, FieldVoltageLimit)
	if err != nil {
		t.Fatalf("GetStatusField() error = %v", err)
	}
	if v != 30 {
		t.Errorf("v_lim = %v, want 30", v)
	}

	if _, err := d.GetStatusField(ctx, StatusField("bogus")); !errors.Is(err, ErrUnknownField) {
		t.Errorf("expected ErrUnknownField, got %v", err)
	}
	if len(ch.writes) != 2 {
		t.Errorf("unknown field must not touch the wire, writes = %v", ch.writes)
	}
}

func TestStateReporting(t *testing.T) {
	frame := stateFrame(500, 1000, 500, 0, 25, 0, 0, 1)
	ch := &mockChannel{}
	ch.queue(frame, frame)
	d := newTestDevice(t, ch)
	ctx := context.Background()

	if err := d.EnableStateReporting(ctx); err != nil {
		t.Fatalf("EnableStateReporting() error = %v", err)
	}
	if _, err := d.GetState(ctx); err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if err := d.DisableStateReporting(ctx); err != nil {
		t.Fatalf("DisableStateReporting() error = %v", err)
	}
	if err := d.EnableStateReporting(ctx); err != nil {
		t.Fatalf("EnableStateReporting() error = %v", err)
	}
	if _, err := d.GetState(ctx); err != nil {
		t.Fatalf("GetState() error = %v", err)
	}

	if got := strings.Join(ch.writes, ","); got != "Q,W,Q" {
		t.Errorf("writes = %s, want Q,W,Q", got)
	}
}

func TestGetStateAfterReportingDisabled(t *testing.T) {
	ch := &mockChannel{}
	ch.queue(stateFrame(500, 1000, 500, 0, 25, 0, 0, 1))
	d := newTestDevice(t, ch)
	ctx := context.Background()

	if err := d.DisableStateReporting(ctx); err != nil {
		t.Fatalf("DisableStateReporting() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		_, err := d.GetState(ctx)
		if !errors.Is(err, ErrReportingDisabled) {
			t.Fatalf("expected ErrReportingDisabled, got %v", err)
		}
		if IsFatal(err) {
			t.Error("disabled reporting must not be fatal")
		}
	}
	if got := strings.Join(ch.writes, ","); got != "W" {
		t.Errorf("writes = %s, want W", got)
	}
	if ch.reads != 0 {
		t.Errorf("reads = %d, want 0", ch.reads)
	}

	if err := d.EnableStateReporting(ctx); err != nil {
		t.Fatalf("EnableStateReporting() error = %v", err)
	}
	if _, err := d.GetState(ctx); err != nil {
		t.Fatalf("GetState() after re-enable error = %v", err)
	}
}

func TestOutputChangeKeepsReportingDisabled(t *testing.T) {
	ch := &mockChannel{}
	ch.queue(stateFrame(500, 100, 50, 0, 25, 0, 0, 1))
	d := newTestDevice(t, ch)
	ctx := context.Background()

	if err := d.DisableStateReporting(ctx); err != nil {
		t.Fatalf("DisableStateReporting() error = %v", err)
	}
	if err := d.EnableOutput(ctx); err != nil {
		t.Fatalf("EnableOutput() error = %v", err)
	}
	if got := strings.Join(ch.writes, ","); got != "W,Q,N,W" {
		t.Errorf("writes = %s, want W,Q,N,W", got)
	}
	if _, err := d.GetState(ctx); !errors.Is(err, ErrReportingDisabled) {
		t.Errorf("expected ErrReportingDisabled after output change, got %v", err)
	}
}

func TestGetStateBusyDuringOutputConfirm(t *testing.T) {
	ch := &mockChannel{}
	d := newTestDevice(t, ch, WithTiming(Timing{ConfirmInterval: 100 * time.Millisecond}))

	done := make(chan error, 1)
	go func() { done <- d.EnableOutput(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for !d.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("output change never took the session")
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.GetState(ctx)
	if !errors.Is(err, ErrBusy) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrBusy wrapping the deadline, got %v", err)
	}
	if IsFatal(err) {
		t.Error("busy session must not be fatal")
	}

	if err := <-done; !errors.Is(err, ErrOutputNotConfirmed) {
		t.Fatalf("EnableOutput() error = %v", err)
	}
	if n := ch.count("Q"); n != 1 {
		t.Errorf("sent Q %d times, want 1", n)
	}

	// the waiting call never exchanged anything, so nothing is flushed
	resets := ch.inputResets
	ch.queue(stateFrame(500, 1000, 500, 0, 25, 0, 0, 1))
	if _, err := d.GetState(context.Background()); err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if ch.inputResets != resets {
		t.Errorf("input resets = %d, want %d", ch.inputResets, resets)
	}
}

func TestWriteFailureIsFatal(t *testing.T) {
	ch := &mockChannel{}
	d := newTestDevice(t, ch)
	ch.writeErr = errors.New("device disconnected")

	err := d.EnableOutput(context.Background())
	var we *WriteError
	if !errors.As(err, &we) {
		t.Fatalf("expected *WriteError, got %v", err)
	}
	if !IsFatal(err) {
		t.Error("write failure must be fatal")
	}

	if _, err := d.SetVoltage(context.Background(), 5); !IsFatal(err) {
		t.Errorf("expected fatal write error, got %v", err)
	}
}

func TestCancelledOperationFlushesNextTime(t *testing.T) {
	ch := &mockChannel{}
	ch.queue(stateFrame(500, 1000, 500, 0, 25, 0, 0, 1))
	d := newTestDevice(t, ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.GetState(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ch.inputResets != 0 {
		t.Fatalf("input reset before next operation: %d", ch.inputResets)
	}

	if _, err := d.GetState(context.Background()); err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if ch.inputResets != 1 {
		t.Errorf("input resets = %d, want 1", ch.inputResets)
	}
}

func TestConcurrentOperationsAreSerialized(t *testing.T) {
	const workers = 8
	frame := stateFrame(500, 1000, 500, 0, 25, 0, 0, 1)

	ch := &mockChannel{}
	for i := 0; i < workers; i++ {
		ch.queue(frame)
	}
	d := newTestDevice(t, ch)

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.GetState(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("GetState() error = %v", err)
	}
	if n := ch.count("Q"); n != 1 {
		t.Errorf("sent Q %d times, want 1", n)
	}
}
