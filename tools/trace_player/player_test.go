package traceplayer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"driftpursuit/movesync/internal/movement"
	"driftpursuit/movesync/internal/replay"
	"driftpursuit/movesync/internal/wire"
)

func writeBundle(t *testing.T, root, label string, start time.Time) string {
	t.Helper()
	now := start
	clock := func() time.Time { return now }
	writer, err := replay.NewWriter(root, replay.Meta{Label: label, Codec: "msgpack", TickRateHz: 50, SnapshotRateHz: 20}, clock)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	codec := wire.MsgpackCodec{}
	if err := writer.AppendEvent(1, replay.EventSpawn, "pilot", map[string]string{"role": "authority"}); err != nil {
		t.Fatalf("append spawn: %v", err)
	}
	for tick := uint64(2); tick <= 4; tick++ {
		snap := movement.Snapshot{Sequence: tick, AckCommand: tick - 1, State: movement.State{
			Position: mgl64.Vec3{float64(tick), 0, 0},
			Rotation: mgl64.QuatIdent(),
		}}
		data, err := codec.Encode(wire.SnapshotFrame("pilot", snap))
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := writer.AppendFrame(tick, data); err != nil {
			t.Fatalf("append frame: %v", err)
		}
		now = now.Add(50 * time.Millisecond)
	}
	if err := writer.AppendFrame(5, []byte{0xc1}); err != nil {
		t.Fatalf("append garbage: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return writer.Directory()
}

func TestDecodeRendersSnapshots(t *testing.T) {
	dir := writeBundle(t, t.TempDir(), "arena", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))

	//1.- Decoding through the manifest path must match decoding the directory.
	report, err := Decode(filepath.Join(dir, "manifest.json"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Dir != dir || report.Manifest.Codec != "msgpack" {
		t.Fatalf("unexpected report header %+v", report)
	}
	if len(report.Timeline) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(report.Timeline))
	}
	if report.Timeline[0].Event == nil || report.Timeline[0].Event.Type != replay.EventSpawn {
		t.Fatalf("expected spawn first, got %+v", report.Timeline[0])
	}
	for i, entry := range report.Timeline[1:4] {
		tick := uint64(i + 2)
		if entry.Snapshot == nil || entry.Snapshot.Sequence != tick || entry.Snapshot.Position.X() != float64(tick) {
			t.Fatalf("unexpected snapshot at tick %d: %+v", tick, entry)
		}
		if entry.Snapshot.EntityID != "pilot" || entry.Snapshot.AckCommand != tick-1 {
			t.Fatalf("unexpected snapshot header %+v", entry.Snapshot)
		}
	}
	//2.- Corrupt frames stay in the timeline with their decode error.
	if last := report.Timeline[4]; last.Snapshot != nil || last.Undecodable == "" {
		t.Fatalf("expected undecodable last frame, got %+v", last)
	}
}

func TestDecodeRejectsMissingPath(t *testing.T) {
	if _, err := Decode(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Decode(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing bundle")
	}
}

func TestListOrdersByCreation(t *testing.T) {
	root := t.TempDir()
	later := writeBundle(t, root, "late", time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC))
	earlier := writeBundle(t, root, "early", time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	if err := os.MkdirAll(filepath.Join(root, "scratch"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	bundles, err := List(root)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bundles) != 2 {
		t.Fatalf("expected 2 bundles, got %d", len(bundles))
	}
	if bundles[0].Dir != earlier || bundles[1].Dir != later {
		t.Fatalf("unexpected order %s, %s", bundles[0].Dir, bundles[1].Dir)
	}
	if bundles[0].Manifest.FrameCount != 4 || bundles[0].Manifest.Label != "early" {
		t.Fatalf("unexpected manifest %+v", bundles[0].Manifest)
	}
}

func TestListRequiresRoot(t *testing.T) {
	if _, err := List(" "); err == nil {
		t.Fatalf("expected error for blank root")
	}
}
