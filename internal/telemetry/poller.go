package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenPSU/internal/dc6006l"
)

// StateReader is the part of a device session the poller needs.
type StateReader interface {
	GetState(ctx context.Context) (dc6006l.State, error)
	Port() string
}

// busyReader is implemented by readers that can tell whether another
// exchange currently owns the session.
type busyReader interface {
	Busy() bool
}

type Poller struct {
	reader   StateReader
	sink     Sink
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex

	lastMu   sync.RWMutex
	last     Sample
	hasLast  bool
	failures int
}

func NewPoller(reader StateReader, sink Sink, interval time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		reader:   reader,
		sink:     sink,
		interval: interval,
		timeout:  2 * interval,
		logger:   logger,
	}
}

// Start startet das zyklische Polling
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if p.interval <= 0 {
		return errors.New("poll interval must be positive")
	}

	p.running = true
	p.stopChan = make(chan struct{})
	p.wg.Add(1)

	go p.pollLoop(p.stopChan)

	p.logger.Info("Poller started",
		zap.String("port", p.reader.Port()),
		zap.Duration("interval", p.interval))

	return nil
}

// Stop stoppt das Polling und wartet auf den laufenden Zyklus
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.logger.Info("Poller stopped", zap.String("port", p.reader.Port()))
}

func (p *Poller) pollLoop(stop <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one poll cycle: a successful read is published as a sample, an
// output flip since the previous sample as EventOutputChanged and a failure
// as EventDeviceError.
//
// A cycle is skipped without counting as a failure while another exchange
// holds the session or the state stream was switched off on purpose.
func (p *Poller) Poll(ctx context.Context) {
	if br, ok := p.reader.(busyReader); ok && br.Busy() {
		p.logger.Debug("Poll skipped, session busy", zap.String("port", p.reader.Port()))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	st, err := p.reader.GetState(ctx)
	if err != nil {
		switch {
		case errors.Is(err, dc6006l.ErrBusy), errors.Is(err, dc6006l.ErrReportingDisabled):
			p.logger.Debug("Poll skipped",
				zap.String("port", p.reader.Port()),
				zap.Error(err))
			return
		case errors.Is(err, context.Canceled):
			return
		}

		p.lastMu.Lock()
		p.failures++
		failures := p.failures
		p.lastMu.Unlock()

		p.logger.Warn("Poll failed",
			zap.String("port", p.reader.Port()),
			zap.Int("consecutive_failures", failures),
			zap.Error(err))

		p.sink.HandleEvent(NewEvent(EventDeviceError, DeviceErrorData{
			Operation: "get_state",
			Error:     err.Error(),
			Fatal:     dc6006l.IsFatal(err),
		}))
		return
	}

	sample := Sample{Time: time.Now(), Port: p.reader.Port(), State: st}

	p.lastMu.Lock()
	prev, hadPrev := p.last, p.hasLast
	p.last, p.hasLast = sample, true
	p.failures = 0
	p.lastMu.Unlock()

	p.sink.HandleSample(sample)

	if hadPrev && prev.State.OutputOn != st.OutputOn {
		p.logger.Info("Output changed",
			zap.String("port", sample.Port),
			zap.Bool("on", st.OutputOn))
		p.sink.HandleEvent(NewEvent(EventOutputChanged, OutputChangedData{
			On:     st.OutputOn,
			Source: "poll",
		}))
	}
}

// Last returns the most recent sample.
func (p *Poller) Last() (Sample, bool) {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	return p.last, p.hasLast
}

// ConsecutiveFailures returns the number of failed polls since the last
// successful one.
func (p *Poller) ConsecutiveFailures() int {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	return p.failures
}

// IsRunning gibt an ob Poller läuft
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
