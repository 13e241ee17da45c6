package replay

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)}
}

func TestWriterRoundTripsBundle(t *testing.T) {
	root := t.TempDir()
	clock := newStepClock()
	writer, err := NewWriter(root, Meta{Label: "arena/7", Codec: "proto", TickRateHz: 50, SnapshotRateHz: 20}, clock.Now)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if filepath.Base(writer.Directory()) != "arena7-20260314T092653Z" {
		t.Fatalf("unexpected bundle name %s", writer.Directory())
	}

	//1.- Interleave events and frames across the flush cadence.
	if err := writer.AppendEvent(1, EventSpawn, "pilot", map[string]string{"role": "authority"}); err != nil {
		t.Fatalf("append spawn: %v", err)
	}
	for tick := uint64(1); tick <= 5; tick++ {
		if err := writer.AppendFrame(tick, []byte{byte(tick), 0xAA}); err != nil {
			t.Fatalf("append frame %d: %v", tick, err)
		}
		clock.Advance(100 * time.Millisecond)
	}
	if err := writer.AppendEvent(5, EventDespawn, "pilot", nil); err != nil {
		t.Fatalf("append despawn: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	//2.- Read everything back through Open.
	bundle, err := Open(writer.Directory())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if bundle.Manifest.Codec != "proto" || bundle.Manifest.EventCount != 2 || bundle.Manifest.FrameCount != 5 || bundle.Manifest.ClosedAt == "" {
		t.Fatalf("unexpected manifest %+v", bundle.Manifest)
	}
	if len(bundle.Events) != 2 || bundle.Events[0].Type != EventSpawn || bundle.Events[1].Payload != nil {
		t.Fatalf("unexpected events %+v", bundle.Events)
	}
	var payload map[string]string
	if err := json.Unmarshal(bundle.Events[0].Payload, &payload); err != nil || payload["role"] != "authority" {
		t.Fatalf("unexpected spawn payload %s (%v)", bundle.Events[0].Payload, err)
	}
	if len(bundle.Frames) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(bundle.Frames))
	}
	for i, frame := range bundle.Frames {
		if frame.Tick != uint64(i+1) || frame.Payload[0] != byte(i+1) || len(frame.Payload) != 2 {
			t.Fatalf("frame %d mismatch %+v", i, frame)
		}
	}
	if !bundle.Frames[1].CapturedAt.Equal(time.Date(2026, 3, 14, 9, 26, 53, int(100*time.Millisecond), time.UTC)) {
		t.Fatalf("unexpected capture time %v", bundle.Frames[1].CapturedAt)
	}

	//3.- The timeline puts events ahead of frames for the same tick.
	timeline := bundle.Timeline()
	if len(timeline) != 7 || timeline[0].Event == nil || timeline[1].Frame == nil || timeline[5].Event == nil {
		t.Fatalf("unexpected timeline ordering")
	}
}

func TestWriterRejectsWritesAfterClose(t *testing.T) {
	writer, err := NewWriter(t.TempDir(), Meta{}, nil)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := writer.AppendFrame(1, []byte{1}); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed, got %v", err)
	}
	if err := writer.AppendEvent(1, EventSpawn, "", nil); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed, got %v", err)
	}
}

func TestWriterSuffixesCollidingBundles(t *testing.T) {
	root := t.TempDir()
	clock := newStepClock()
	first, err := NewWriter(root, Meta{Label: "t"}, clock.Now)
	if err != nil {
		t.Fatalf("first writer: %v", err)
	}
	second, err := NewWriter(root, Meta{Label: "t"}, clock.Now)
	if err != nil {
		t.Fatalf("second writer: %v", err)
	}
	defer first.Close()
	defer second.Close()
	if first.Directory() == second.Directory() {
		t.Fatalf("bundles share a directory")
	}
	if filepath.Base(second.Directory()) != "t-20260314T092653Z-001" {
		t.Fatalf("unexpected suffix %s", second.Directory())
	}
}

func TestOpenRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, manifestFile), []byte(`{"version":99}`), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if _, err := Open(dir); err == nil {
		t.Fatalf("expected version error")
	}
	if _, err := Open(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected missing bundle error")
	}
}
