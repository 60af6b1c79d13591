package system

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenPSU/internal/api/grpcapi"
	"github.com/KevinKickass/OpenPSU/internal/api/rest"
	"github.com/KevinKickass/OpenPSU/internal/api/websocket"
	"github.com/KevinKickass/OpenPSU/internal/auth"
	"github.com/KevinKickass/OpenPSU/internal/config"
	"github.com/KevinKickass/OpenPSU/internal/dc6006l"
	"github.com/KevinKickass/OpenPSU/internal/interfaces"
	"github.com/KevinKickass/OpenPSU/internal/monitor"
	"github.com/KevinKickass/OpenPSU/internal/telemetry"
)

type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger

	device      *dc6006l.Device
	metrics     *monitor.Metrics
	authService *auth.AuthService
	wsHub       *websocket.Hub
	poller      *telemetry.Poller
	redis       *telemetry.RedisPublisher
	events      telemetry.Fanout

	restServer *rest.Server
	grpcServer *grpcapi.Server

	hubCancel context.CancelFunc

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLifecycleManager wires all components. opts bind the session to its
// transport, see serialport.Options.
func NewLifecycleManager(cfg *config.Config, logger *zap.Logger, opts ...dc6006l.Option) *LifecycleManager {
	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}

	deviceOpts := []dc6006l.Option{
		dc6006l.WithLogger(logger.Named("dc6006l")),
		dc6006l.WithTiming(TimingFromConfig(cfg.Serial)),
	}
	if cfg.Metrics.Enabled {
		lm.metrics = monitor.NewMetrics()
		deviceOpts = append(deviceOpts, dc6006l.WithMetrics(lm.metrics))
	}
	lm.device = dc6006l.New(append(deviceOpts, opts...)...)

	lm.authService = auth.NewAuthService(cfg.Auth)
	lm.wsHub = websocket.NewHub(logger, lm.authService)
	lm.grpcServer = grpcapi.NewServer(logger)

	lm.events = telemetry.Fanout{lm.wsHub, lm.grpcServer}
	if lm.metrics != nil {
		lm.events = append(lm.events, telemetry.MetricsSink{Metrics: lm.metrics})
	}

	// Redis ist optional, ohne Verbindung läuft der Rest weiter
	if cfg.Redis.Enabled {
		rp, err := telemetry.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.Channel, cfg.Redis.DB, logger)
		if err != nil {
			logger.Warn("Redis publishing disabled", zap.Error(err))
		} else {
			lm.redis = rp
			lm.events = append(lm.events, rp)
		}
	}

	lm.poller = telemetry.NewPoller(lm.device, lm.events, cfg.Poll.Interval, logger)

	var metricsHandler http.Handler
	if lm.metrics != nil {
		metricsHandler = lm.metrics.Handler()
	}
	lm.restServer = rest.NewServer(cfg, lm, logger, lm.wsHub, lm.authService, metricsHandler)

	return lm
}

// TimingFromConfig overlays the non-zero serial overrides on the driver
// defaults.
func TimingFromConfig(sc config.SerialConfig) dc6006l.Timing {
	t := dc6006l.DefaultTiming()
	if sc.SendSettle > 0 {
		t.SendSettle = sc.SendSettle
	}
	if sc.QueryDelay > 0 {
		t.QueryDelay = sc.QueryDelay
	}
	if sc.ConfirmInterval > 0 {
		t.ConfirmInterval = sc.ConfirmInterval
	}
	return t
}

// Start opens the session and starts the poller and both servers.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting OpenPSU daemon", zap.String("port", lm.config.Serial.Port))

	lm.setState(StateInitializing)

	if err := lm.device.Open(lm.config.Serial.Port); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to open session: %w", err)
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	lm.hubCancel = cancel
	go lm.wsHub.Run(hubCtx)

	if lm.config.Poll.Enabled {
		if err := lm.poller.Start(); err != nil {
			lm.abortStart()
			return fmt.Errorf("failed to start poller: %w", err)
		}
	}

	if err := lm.grpcServer.Serve(lm.config.Server.GRPCPort); err != nil {
		lm.abortStart()
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	if err := lm.restServer.Start(); err != nil {
		lm.abortStart()
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Bool("poll_enabled", lm.config.Poll.Enabled),
		zap.Duration("poll_interval", lm.config.Poll.Interval))

	return nil
}

// abortStart undoes a partial Start once the session is open. The output is
// left alone, nothing was switched yet.
func (lm *LifecycleManager) abortStart() {
	lm.poller.Stop()
	lm.grpcServer.Stop()
	if lm.hubCancel != nil {
		lm.hubCancel()
	}
	if err := lm.device.Close(); err != nil {
		lm.logger.Warn("Failed to close session after failed start", zap.Error(err))
	}
	lm.setState(StateError)
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown has completed.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	// 1. Poller zuerst, danach gehört die Session uns allein
	lm.poller.Stop()

	// 2. Output off and session close
	lm.closeSession(ctx)

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	// 3. REST API Server graceful shutdown
	wg.Add(1)
	go func() {
		defer wg.Done()
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
			errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
		}
	}()

	// 4. gRPC Server graceful stop
	wg.Add(1)
	go func() {
		defer wg.Done()
		lm.logger.Info("Stopping gRPC server")
		lm.grpcServer.Stop()
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		lm.logger.Info("Graceful shutdown completed")
		select {
		case err = <-errChan:
		default:
		}
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		err = fmt.Errorf("shutdown timeout exceeded")
	}

	if lm.hubCancel != nil {
		lm.hubCancel()
	}
	if lm.redis != nil {
		if cerr := lm.redis.Close(); cerr != nil {
			lm.logger.Warn("Failed to close redis client", zap.Error(cerr))
		}
	}

	return err
}

func (lm *LifecycleManager) closeSession(ctx context.Context) {
	if !lm.device.IsOpen() {
		return
	}

	if lm.config.Serial.DisableOutputOnShutdown {
		if err := lm.device.DisableOutput(ctx); err != nil {
			lm.logger.Error("Failed to disable output on shutdown", zap.Error(err))
		} else {
			lm.events.HandleEvent(telemetry.NewEvent(telemetry.EventOutputChanged,
				telemetry.OutputChangedData{On: false, Source: "shutdown"}))
		}
	}

	if err := lm.device.Close(); err != nil {
		lm.logger.Error("Failed to close session", zap.Error(err))
	}
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil && lm.currentState != state {
		lm.logger.Warn("Unexpected state transition", zap.Error(err))
	}
	lm.currentState = state
}

// State returns the current lifecycle state.
func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Device() interfaces.PSU {
	return lm.device
}

func (lm *LifecycleManager) Events() telemetry.Sink {
	return lm.events
}

// Metrics returns nil when metrics are disabled.
func (lm *LifecycleManager) Metrics() *monitor.Metrics {
	return lm.metrics
}

// Poller exposes the state poller, mainly for tests.
func (lm *LifecycleManager) Poller() *telemetry.Poller {
	return lm.poller
}

func (lm *LifecycleManager) ListPorts() ([]string, error) {
	return lm.device.ListPorts()
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	status := interfaces.SystemStatus{
		State:               lm.State().String(),
		Port:                lm.device.Port(),
		Connected:           lm.device.IsOpen(),
		PollerRunning:       lm.poller.IsRunning(),
		ConsecutiveFailures: lm.poller.ConsecutiveFailures(),
		WebSocketClients:    lm.wsHub.GetClientCount(),
	}

	if sample, ok := lm.poller.Last(); ok {
		t := sample.Time
		status.LastSample = &t
	}

	return status
}
