package networking

import (
	"math"
	"testing"
	"time"
)

func TestBandwidthRegulatorEnforcesRate(t *testing.T) {
	current := time.Unix(0, 0)
	clock := func() time.Time { return current }
	regulator := NewBandwidthRegulator(100, clock)

	if !regulator.Allow("peer-1", 60) {
		t.Fatalf("expected initial burst to be allowed")
	}
	if regulator.Allow("peer-1", 50) {
		t.Fatalf("expected payload to be throttled while tokens depleted")
	}

	current = current.Add(500 * time.Millisecond)
	if !regulator.Allow("peer-1", 50) {
		t.Fatalf("expected payload to pass after partial refill")
	}

	current = current.Add(time.Second)
	sample, ok := regulator.SnapshotUsage()["peer-1"]
	if !ok {
		t.Fatalf("missing usage sample for peer")
	}
	if sample.Denied != 1 {
		t.Fatalf("expected one denied delivery, got %d", sample.Denied)
	}
	if sample.AvailableBytes != 100 {
		t.Fatalf("expected bucket to refill to the burst, got %f", sample.AvailableBytes)
	}
	expectedRate := 110 / sample.ObservedSeconds
	if math.Abs(sample.BytesPerSecond-expectedRate) > 1e-6 {
		t.Fatalf("unexpected throughput: got %.6f want %.6f", sample.BytesPerSecond, expectedRate)
	}

	regulator.Forget("peer-1")
	if usage := regulator.SnapshotUsage(); len(usage) != 0 {
		t.Fatalf("expected usage map cleared after forget, got %d entries", len(usage))
	}
}

func TestBandwidthRegulatorIsolatesPeers(t *testing.T) {
	current := time.Unix(0, 0)
	regulator := NewBandwidthRegulator(64, func() time.Time { return current })
	if !regulator.Allow("a", 64) || regulator.Allow("a", 1) {
		t.Fatalf("peer a budget not enforced")
	}
	if !regulator.Allow("b", 64) {
		t.Fatalf("peer b inherited peer a's debt")
	}
	if !regulator.Allow("", 1<<20) || !regulator.Allow("a", 0) {
		t.Fatalf("anonymous and empty payloads must pass")
	}
}

func TestBandwidthRegulatorIgnoresClockSkew(t *testing.T) {
	current := time.Unix(100, 0)
	regulator := NewBandwidthRegulator(10, func() time.Time { return current })
	regulator.Allow("a", 10)
	current = current.Add(-time.Minute)
	if regulator.Allow("a", 1) {
		t.Fatalf("backwards clock refilled the bucket")
	}
}
