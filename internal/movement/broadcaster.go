package movement

import (
	"context"
	"sync/atomic"

	"driftpursuit/movesync/internal/logging"
)

// intervalEpsilon absorbs float drift when summing fixed dt values up to the interval.
const intervalEpsilon = 1e-9

// Broadcaster paces authoritative snapshots to the predicting peer on its own timer,
// independent of the tick rate.
type Broadcaster struct {
	sender   SnapshotSender
	interval float64
	timer    float64
	logger   *logging.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewBroadcaster builds a broadcaster unicasting through sender at the policy's rate.
func NewBroadcaster(sender SnapshotSender, policy CorrectionPolicy, logger *logging.Logger) *Broadcaster {
	return &Broadcaster{sender: sender, interval: policy.SnapshotInterval(), logger: logger}
}

// Interval returns the snapshot period in seconds.
func (b *Broadcaster) Interval() float64 { return b.interval }

// Advance accumulates dt and, once the interval elapses, publishes the snapshot returned by
// take. It reports whether a snapshot was handed to the sender.
func (b *Broadcaster) Advance(ctx context.Context, dt float64, take func() Snapshot) bool {
	if b.sender == nil || take == nil || dt <= 0 {
		return false
	}
	b.timer += dt
	if b.timer+intervalEpsilon < b.interval {
		return false
	}
	b.timer = 0

	snap := take()
	if err := b.sender.SendSnapshot(ctx, snap); err != nil {
		b.failed.Add(1)
		if b.logger != nil {
			b.logger.Debug("snapshot send failed", logging.Uint64("sequence", snap.Sequence), logging.Error(err))
		}
		return false
	}
	b.sent.Add(1)
	return true
}

// Sent counts snapshots accepted by the sender.
func (b *Broadcaster) Sent() uint64 { return b.sent.Load() }

// Failed counts snapshots the sender rejected.
func (b *Broadcaster) Failed() uint64 { return b.failed.Load() }
