package predictorbot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"driftpursuit/movesync/internal/logging"
)

// Result pairs a finished bot with the error that ended it.
type Result struct {
	Report Report `json:"report"`
	Err    string `json:"error,omitempty"`
}

type member struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Fleet keeps a population of bots running against one server. Members are named
// "<prefix>-<n>" and retired newest first.
type Fleet struct {
	ctx    context.Context
	base   Options
	prefix string
	run    func(context.Context, Options) (Report, error)

	mu      sync.Mutex
	members []*member
	next    int
	results []Result
	wg      sync.WaitGroup
}

// NewFleet builds a fleet whose members live until ctx ends or Scale retires them.
func NewFleet(ctx context.Context, base Options) *Fleet {
	prefix := base.EntityID
	if prefix == "" {
		prefix = "bot"
	}
	if base.Logger == nil {
		base.Logger = logging.L()
	}
	return &Fleet{ctx: ctx, base: base, prefix: prefix, run: Run}
}

// Scale starts or retires bots until target are running and returns the new population.
func (f *Fleet) Scale(ctx context.Context, target int) (int, error) {
	if f == nil {
		return 0, errors.New("fleet is nil")
	}
	if target < 0 {
		return 0, errors.New("population must be non-negative")
	}
	if err := ctx.Err(); err != nil {
		return f.Size(), err
	}

	f.mu.Lock()
	//1.- Grow with fresh names so a retired bot's entity is never reused mid-despawn.
	for len(f.members) < target {
		f.next++
		opts := f.base
		opts.EntityID = fmt.Sprintf("%s-%d", f.prefix, f.next)
		f.members = append(f.members, f.start(opts))
	}
	//2.- Shrink from the tail and wait below, outside the lock.
	var retired []*member
	for len(f.members) > target {
		last := len(f.members) - 1
		retired = append(retired, f.members[last])
		f.members = f.members[:last]
	}
	size := len(f.members)
	f.mu.Unlock()

	for _, m := range retired {
		m.cancel()
		<-m.done
	}
	return size, nil
}

func (f *Fleet) start(opts Options) *member {
	ctx, cancel := context.WithCancel(f.ctx)
	m := &member{cancel: cancel, done: make(chan struct{})}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer close(m.done)
		defer cancel()
		report, err := f.run(ctx, opts)
		result := Result{Report: report}
		if report.EntityID == "" {
			result.Report.EntityID = opts.EntityID
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			result.Err = err.Error()
			opts.Logger.Warn("predictor bot failed", logging.String("entity_id", opts.EntityID), logging.Error(err))
		}
		f.mu.Lock()
		f.results = append(f.results, result)
		f.mu.Unlock()
	}()
	return m
}

// Size reports how many bots are currently assigned to run.
func (f *Fleet) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.members)
}

// Wait blocks until every bot has finished and returns their results in completion order.
func (f *Fleet) Wait() []Result {
	f.wg.Wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Result, len(f.results))
	copy(out, f.results)
	return out
}
