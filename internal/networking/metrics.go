// Package networking meters outbound movement frames per peer.
package networking

import (
	"sort"
	"sync"
)

// DropReason labels why an outbound frame never reached the socket.
type DropReason string

const (
	// DropBandwidth marks frames refused by the bandwidth regulator.
	DropBandwidth DropReason = "bandwidth"
	// DropQueueFull marks frames discarded because the peer's send buffer was full.
	DropQueueFull DropReason = "queue_full"
	// DropEncode marks frames that failed to encode.
	DropEncode DropReason = "encode"
)

// SnapshotMetrics tracks the size of the last snapshot sent to each peer together with sent
// and dropped totals.
type SnapshotMetrics struct {
	mu    sync.RWMutex
	bytes map[string]int64
	sent  int64
	drops map[DropReason]int64
}

// NewSnapshotMetrics constructs an empty metrics tracker.
func NewSnapshotMetrics() *SnapshotMetrics {
	return &SnapshotMetrics{
		bytes: make(map[string]int64),
		drops: make(map[DropReason]int64),
	}
}

// ObserveSent records a delivered snapshot of payloadBytes for peerID.
func (m *SnapshotMetrics) ObserveSent(peerID string, payloadBytes int) {
	if m == nil {
		return
	}
	size := int64(payloadBytes)
	if size < 0 {
		size = 0
	}
	m.mu.Lock()
	if peerID != "" {
		m.bytes[peerID] = size
	}
	m.sent++
	m.mu.Unlock()
}

// ObserveDrop counts a snapshot that was not delivered.
func (m *SnapshotMetrics) ObserveDrop(reason DropReason) {
	if m == nil || reason == "" {
		return
	}
	m.mu.Lock()
	m.drops[reason]++
	m.mu.Unlock()
}

// ForgetClient removes the tracked gauge for a disconnected peer. Totals are kept.
func (m *SnapshotMetrics) ForgetClient(peerID string) {
	if m == nil || peerID == "" {
		return
	}
	m.mu.Lock()
	delete(m.bytes, peerID)
	m.mu.Unlock()
}

// BytesPerClient returns a copy of the latest snapshot size per peer.
func (m *SnapshotMetrics) BytesPerClient() map[string]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.bytes) == 0 {
		return nil
	}
	out := make(map[string]int64, len(m.bytes))
	for peerID, size := range m.bytes {
		out[peerID] = size
	}
	return out
}

// Sent returns the number of delivered snapshots.
func (m *SnapshotMetrics) Sent() int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sent
}

// DropCounts returns the cumulative dropped snapshots per reason.
func (m *SnapshotMetrics) DropCounts() map[DropReason]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.drops) == 0 {
		return nil
	}
	out := make(map[DropReason]int64, len(m.drops))
	for reason, count := range m.drops {
		out[reason] = count
	}
	return out
}

// SortedPeers lists peers with a gauge in lexical order for stable exposition.
func SortedPeers(gauges map[string]int64) []string {
	peers := make([]string, 0, len(gauges))
	for peerID := range gauges {
		peers = append(peers, peerID)
	}
	sort.Strings(peers)
	return peers
}
