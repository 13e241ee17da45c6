package simulation

import (
	"context"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"driftpursuit/movesync/internal/logging"
)

// StepFunc advances the simulation by a fixed timestep and may emit side effects.
type StepFunc func(step time.Duration)

// Loop drives a fixed timestep simulation at the configured target frequency.
type Loop struct {
	step     time.Duration
	stepFunc StepFunc
	monitor  *TickMonitor
	logger   *logging.Logger
	maxSteps int

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	panics int
}

// Option customises loop construction.
type Option func(*Loop)

// WithMonitor records the wall time of every fixed step.
func WithMonitor(monitor *TickMonitor) Option {
	return func(l *Loop) { l.monitor = monitor }
}

// WithLogger reports recovered step panics.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithMaxCatchUp bounds how many fixed steps a single wake-up may run so a stalled process
// does not spiral trying to catch up. Zero keeps the default.
func WithMaxCatchUp(steps int) Option {
	return func(l *Loop) {
		if steps > 0 {
			l.maxSteps = steps
		}
	}
}

// NewLoop configures a loop that targets the provided frames per second.
func NewLoop(targetHz float64, step StepFunc, opts ...Option) *Loop {
	if targetHz <= 0 {
		targetHz = 50
	}
	if step == nil {
		step = func(time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 50
	}
	loop := &Loop{step: interval, stepFunc: step, maxSteps: 8}
	for _, opt := range opts {
		if opt != nil {
			opt(loop)
		}
	}
	loop.monitor.SetBudget(interval)
	return loop
}

// Start begins ticking until the context is cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) {
	if l == nil || l.stepFunc == nil {
		return
	}
	l.mu.Lock()
	if l.done != nil {
		l.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	l.stop, l.done = stop, done
	l.mu.Unlock()

	ticker := time.NewTicker(l.step)
	go func() {
		defer close(done)
		defer ticker.Stop()
		last := time.Now()
		accumulator := time.Duration(0)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case now := <-ticker.C:
				//1.- Accumulate elapsed time and run fixed steps while catching up.
				accumulator += now.Sub(last)
				last = now
				steps := 0
				for accumulator >= l.step {
					if steps == l.maxSteps {
						//2.- Drop the backlog instead of replaying it all at once.
						l.monitor.ObserveSkipped(int(accumulator / l.step))
						accumulator = 0
						break
					}
					l.runStep()
					accumulator -= l.step
					steps++
				}
			}
		}
	}()
}

func (l *Loop) runStep() {
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			//1.- Report to sentry and keep ticking; one broken step must not stop the world.
			sentry.CurrentHub().Recover(recovered)
			l.mu.Lock()
			l.panics++
			l.mu.Unlock()
			if l.logger != nil {
				l.logger.Error("simulation step panicked", logging.Field{Key: "panic", Value: recovered})
			}
		}
		l.monitor.Observe(time.Since(started))
	}()
	l.stepFunc(l.step)
}

// Panics reports how many steps were recovered after panicking.
func (l *Loop) Panics() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.panics
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// StepDuration exposes the configured timestep for testing.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}
