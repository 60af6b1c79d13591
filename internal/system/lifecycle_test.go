package system

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenPSU/internal/config"
	"github.com/KevinKickass/OpenPSU/internal/dc6006l"
)

const fakePort = "/dev/ttyFAKE0"

// fakeChannel answers every read with a full state frame.
type fakeChannel struct {
	mu     sync.Mutex
	frame  string
	writes []string
	closed bool
}

func (f *fakeChannel) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copy(p, f.frame), nil
}

func (f *fakeChannel) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(p))
	return len(p), nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) ResetInputBuffer() error  { return nil }
func (f *fakeChannel) ResetOutputBuffer() error { return nil }

func (f *fakeChannel) sent(frame string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.writes {
		if w == frame {
			return true
		}
	}
	return false
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			GRPCPort:        0,
			HTTPPort:        0,
			ShutdownTimeout: 5 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Serial: config.SerialConfig{
			Port:                    fakePort,
			DisableOutputOnShutdown: true,
		},
		Poll:    config.PollConfig{Enabled: true, Interval: 10 * time.Millisecond},
		Auth:    config.AuthConfig{Enabled: false},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Log:     config.LogConfig{Level: "debug"},
	}
}

func hardware(ch *fakeChannel, ports ...string) []dc6006l.Option {
	return []dc6006l.Option{
		dc6006l.WithTiming(dc6006l.Timing{}),
		dc6006l.WithPortLister(func() ([]string, error) { return ports, nil }),
		dc6006l.WithOpener(func(string, int, time.Duration) (dc6006l.Channel, error) { return ch, nil }),
	}
}

func TestLifecycleStartAndShutdown(t *testing.T) {
	ch := &fakeChannel{frame: "1200A0100A0120A0A030A0A0A0A"}
	lm := NewLifecycleManager(testConfig(), zaptest.NewLogger(t), hardware(ch, "/dev/ttyS0", fakePort)...)

	if err := lm.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := lm.Poller().Last(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no sample polled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	status := lm.GetCurrentStatus()
	if status.State != "RUNNING" || !status.Connected || status.Port != fakePort {
		t.Errorf("status = %+v", status)
	}
	if !status.PollerRunning || status.LastSample == nil {
		t.Errorf("poller not reported: %+v", status)
	}

	ports, err := lm.ListPorts()
	if err != nil || len(ports) != 2 {
		t.Errorf("ListPorts() = %v, %v", ports, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lm.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if !ch.sent("F\r\n") {
		t.Error("output was not disabled on shutdown")
	}
	if !ch.isClosed() {
		t.Error("channel not closed")
	}
	if lm.State() != StateStopped {
		t.Errorf("State() = %s", lm.State())
	}

	select {
	case <-lm.Done():
	default:
		t.Error("Done() not closed after shutdown")
	}

	// second call is a no-op
	if err := lm.Shutdown(ctx); err != nil {
		t.Errorf("repeated Shutdown() error = %v", err)
	}
}

func TestLifecycleKeepsOutputWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Serial.DisableOutputOnShutdown = false
	cfg.Poll.Enabled = false

	ch := &fakeChannel{frame: "1200A0100A0120A0A030A0A0A1A"}
	lm := NewLifecycleManager(cfg, zaptest.NewLogger(t), hardware(ch, fakePort)...)

	if err := lm.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if lm.GetCurrentStatus().PollerRunning {
		t.Error("poller running although disabled")
	}

	if err := lm.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if ch.sent("F\r\n") {
		t.Error("output disabled although not configured")
	}
	if !ch.isClosed() {
		t.Error("channel not closed")
	}
}

func TestLifecycleStartUnknownPort(t *testing.T) {
	ch := &fakeChannel{}
	lm := NewLifecycleManager(testConfig(), zaptest.NewLogger(t), hardware(ch, "/dev/ttyS0")...)

	err := lm.Start()
	if err == nil {
		t.Fatal("expected error")
	}

	var pnf *dc6006l.PortNotFoundError
	if !errors.As(err, &pnf) {
		t.Fatalf("expected *PortNotFoundError, got %v", err)
	}
	if !strings.Contains(err.Error(), fakePort) {
		t.Errorf("error %q does not name the port", err)
	}
	if lm.State() != StateError {
		t.Errorf("State() = %s, want ERROR", lm.State())
	}
	if lm.GetCurrentStatus().Connected {
		t.Error("reported connected")
	}
}

func TestLifecycleFailedStartClosesSession(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	tests := map[string]func(*config.Config){
		"poller": func(cfg *config.Config) { cfg.Poll.Interval = 0 },
		"grpc":   func(cfg *config.Config) { cfg.Server.GRPCPort = busy.Addr().(*net.TCPAddr).Port },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(cfg)

			ch := &fakeChannel{frame: "1200A0100A0120A0A030A0A0A0A"}
			lm := NewLifecycleManager(cfg, zaptest.NewLogger(t), hardware(ch, fakePort)...)

			if err := lm.Start(); err == nil {
				t.Fatal("expected error")
			}
			if !ch.isClosed() {
				t.Error("channel left open after failed start")
			}
			if lm.GetCurrentStatus().Connected {
				t.Error("reported connected")
			}
			if lm.State() != StateError {
				t.Errorf("State() = %s, want ERROR", lm.State())
			}
			if ch.sent("F\r\n") {
				t.Error("output touched on failed start")
			}
		})
	}
}

func TestTimingFromConfig(t *testing.T) {
	def := dc6006l.DefaultTiming()

	if got := TimingFromConfig(config.SerialConfig{}); got != def {
		t.Errorf("zero overrides changed timing: %+v", got)
	}

	got := TimingFromConfig(config.SerialConfig{QueryDelay: 400 * time.Millisecond})
	if got.QueryDelay != 400*time.Millisecond {
		t.Errorf("QueryDelay = %s", got.QueryDelay)
	}
	if got.SendSettle != def.SendSettle || got.ConfirmInterval != def.ConfirmInterval {
		t.Errorf("unrelated fields changed: %+v", got)
	}
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to SystemState
		ok       bool
	}{
		{StateInitializing, StateRunning, true},
		{StateInitializing, StateError, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateError, StateStopping, true},
		{StateStopped, StateRunning, false},
		{StateRunning, StateInitializing, false},
	}

	for _, tt := range tests {
		err := ValidateTransition(tt.from, tt.to)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateTransition(%s, %s) = %v", tt.from, tt.to, err)
		}
	}
}

func TestSystemStateText(t *testing.T) {
	text, err := StateRunning.MarshalText()
	if err != nil || string(text) != "RUNNING" {
		t.Errorf("MarshalText() = %q, %v", text, err)
	}
	if got := SystemState(42).String(); got != "UNKNOWN" {
		t.Errorf("String() = %q", got)
	}
	if err := ValidateTransition(SystemState(42), StateRunning); err == nil {
		t.Error("expected error for unknown state")
	}
}
