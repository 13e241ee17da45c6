package networking

import (
	"math"
	"sync"
	"time"
)

// DefaultBandwidthBytesPerSecond comfortably fits 20 snapshots a second of a single entity.
const DefaultBandwidthBytesPerSecond = 16 << 10

// BandwidthUsage captures the throttle state of one peer.
type BandwidthUsage struct {
	PeerID          string
	AvailableBytes  float64
	BytesPerSecond  float64
	ObservedSeconds float64
	Denied          int64
	LastRefill      time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
	opened time.Time
	sent   int64
	denied int64
}

// BandwidthRegulator is a per-peer token bucket. Each peer starts with a full burst and
// refills at the configured byte rate.
type BandwidthRegulator struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	burst   float64
	rate    float64
	now     func() time.Time
}

// NewBandwidthRegulator enforces bytesPerSecond with a one second burst. A non-positive rate
// selects the default.
func NewBandwidthRegulator(bytesPerSecond float64, clock func() time.Time) *BandwidthRegulator {
	if bytesPerSecond <= 0 {
		bytesPerSecond = DefaultBandwidthBytesPerSecond
	}
	if clock == nil {
		clock = time.Now
	}
	return &BandwidthRegulator{
		buckets: make(map[string]*bucket),
		burst:   bytesPerSecond,
		rate:    bytesPerSecond,
		now:     clock,
	}
}

func (r *BandwidthRegulator) refill(b *bucket, now time.Time) {
	//1.- Ignore clocks that stepped backwards.
	if !now.After(b.last) {
		return
	}
	b.tokens = math.Min(r.burst, b.tokens+now.Sub(b.last).Seconds()*r.rate)
	b.last = now
}

// Allow charges payloadBytes against peerID and reports whether the frame may go out.
func (r *BandwidthRegulator) Allow(peerID string, payloadBytes int) bool {
	if r == nil || peerID == "" || payloadBytes <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b := r.buckets[peerID]
	if b == nil {
		b = &bucket{tokens: r.burst, last: now, opened: now}
		r.buckets[peerID] = b
	}
	r.refill(b, now)

	request := float64(payloadBytes)
	if request > b.tokens {
		b.denied++
		return false
	}
	b.tokens -= request
	b.sent += int64(payloadBytes)
	return true
}

// Forget removes the bucket of a disconnected peer.
func (r *BandwidthRegulator) Forget(peerID string) {
	if r == nil || peerID == "" {
		return
	}
	r.mu.Lock()
	delete(r.buckets, peerID)
	r.mu.Unlock()
}

// SnapshotUsage reports the refreshed throttle state of every known peer.
func (r *BandwidthRegulator) SnapshotUsage() map[string]BandwidthUsage {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buckets) == 0 {
		return nil
	}

	now := r.now()
	out := make(map[string]BandwidthUsage, len(r.buckets))
	for peerID, b := range r.buckets {
		r.refill(b, now)
		observed := math.Max(now.Sub(b.opened).Seconds(), 0)
		rate := 0.0
		if observed > 0 {
			rate = float64(b.sent) / observed
		}
		out[peerID] = BandwidthUsage{
			PeerID:          peerID,
			AvailableBytes:  math.Max(b.tokens, 0),
			BytesPerSecond:  rate,
			ObservedSeconds: observed,
			Denied:          b.denied,
			LastRefill:      b.last,
		}
	}
	return out
}
