package networking

import (
	"reflect"
	"testing"
)

func TestSnapshotMetricsTracksPeers(t *testing.T) {
	metrics := NewSnapshotMetrics()
	metrics.ObserveSent("b", 120)
	metrics.ObserveSent("a", 96)
	metrics.ObserveSent("a", 101)
	metrics.ObserveDrop(DropBandwidth)
	metrics.ObserveDrop(DropBandwidth)
	metrics.ObserveDrop(DropQueueFull)
	metrics.ObserveDrop("")

	bytes := metrics.BytesPerClient()
	if bytes["a"] != 101 || bytes["b"] != 120 {
		t.Fatalf("unexpected gauges %v", bytes)
	}
	if metrics.Sent() != 3 {
		t.Fatalf("unexpected sent total %d", metrics.Sent())
	}
	drops := metrics.DropCounts()
	if drops[DropBandwidth] != 2 || drops[DropQueueFull] != 1 || len(drops) != 2 {
		t.Fatalf("unexpected drops %v", drops)
	}
	if peers := SortedPeers(bytes); !reflect.DeepEqual(peers, []string{"a", "b"}) {
		t.Fatalf("unexpected order %v", peers)
	}

	//1.- Forgetting a peer clears its gauge but keeps the totals.
	metrics.ForgetClient("a")
	if _, ok := metrics.BytesPerClient()["a"]; ok {
		t.Fatalf("gauge survived forget")
	}
	if metrics.Sent() != 3 {
		t.Fatalf("forget changed totals")
	}
}

func TestNilSnapshotMetricsIsInert(t *testing.T) {
	var metrics *SnapshotMetrics
	metrics.ObserveSent("a", 1)
	metrics.ObserveDrop(DropEncode)
	if metrics.BytesPerClient() != nil || metrics.DropCounts() != nil || metrics.Sent() != 0 {
		t.Fatalf("nil metrics returned data")
	}
}
