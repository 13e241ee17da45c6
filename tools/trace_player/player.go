// Package traceplayer decodes movement trace bundles for inspection.
package traceplayer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"driftpursuit/movesync/internal/replay"
	"driftpursuit/movesync/internal/wire"
)

// SnapshotView is a decoded snapshot frame.
type SnapshotView struct {
	EntityID   string     `json:"entity_id"`
	Sequence   uint64     `json:"sequence"`
	AckCommand uint64     `json:"ack_command"`
	Position   mgl64.Vec3 `json:"position"`
	Rotation   mgl64.Quat `json:"rotation"`
	Velocity   mgl64.Vec3 `json:"velocity"`
}

// Entry is one step of the decoded timeline. Exactly one of Event and Snapshot is set.
type Entry struct {
	Tick       uint64        `json:"tick"`
	CapturedAt time.Time     `json:"captured_at"`
	Event      *replay.Event `json:"event,omitempty"`
	Snapshot   *SnapshotView `json:"snapshot,omitempty"`
	// Undecodable carries the error of a frame the codec rejected.
	Undecodable string `json:"undecodable,omitempty"`
}

// Report is the printable form of a bundle.
type Report struct {
	Dir      string          `json:"dir"`
	Manifest replay.Manifest `json:"manifest"`
	Timeline []Entry         `json:"timeline"`
}

// Summary describes a bundle without decoding its streams.
type Summary struct {
	Dir      string          `json:"dir"`
	Manifest replay.Manifest `json:"manifest"`
}

// bundleDir accepts a bundle directory or a path to its manifest.json.
func bundleDir(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return path, nil
	}
	return filepath.Dir(path), nil
}

// Decode loads the bundle at path and decodes every frame with the codec named in its
// manifest.
func Decode(path string) (Report, error) {
	dir, err := bundleDir(path)
	if err != nil {
		return Report{}, err
	}
	bundle, err := replay.Open(dir)
	if err != nil {
		return Report{}, err
	}
	codec, err := wire.ByName(bundle.Manifest.Codec)
	if err != nil {
		return Report{}, err
	}

	report := Report{Dir: dir, Manifest: bundle.Manifest}
	err = bundle.Replay(func(item replay.TimelineEntry) error {
		entry := Entry{Tick: item.Tick}
		if item.Event != nil {
			entry.CapturedAt = item.Event.CapturedAt
			entry.Event = item.Event
			report.Timeline = append(report.Timeline, entry)
			return nil
		}
		//1.- Frames are codec-encoded snapshots; keep going past ones this build cannot read.
		entry.CapturedAt = item.Frame.CapturedAt
		frame, err := codec.Decode(item.Frame.Payload)
		switch {
		case err != nil:
			entry.Undecodable = err.Error()
		case frame.Kind != wire.KindSnapshot:
			entry.Undecodable = fmt.Sprintf("unexpected %s frame", frame.Kind)
		default:
			snap := frame.Snapshot
			entry.Snapshot = &SnapshotView{
				EntityID:   frame.EntityID,
				Sequence:   snap.Sequence,
				AckCommand: snap.AckCommand,
				Position:   snap.State.Position,
				Rotation:   snap.State.Rotation,
				Velocity:   snap.State.LinearVelocity,
			}
		}
		report.Timeline = append(report.Timeline, entry)
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	return report, nil
}

// List walks root and returns every bundle manifest, oldest first.
func List(root string) ([]Summary, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	var out []Summary
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != "manifest.json" {
			return nil
		}
		bundle, err := replay.Open(filepath.Dir(path))
		if err != nil {
			return err
		}
		out = append(out, Summary{Dir: bundle.Dir, Manifest: bundle.Manifest})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Manifest.CreatedAt == out[j].Manifest.CreatedAt {
			return out[i].Dir < out[j].Dir
		}
		return out[i].Manifest.CreatedAt < out[j].Manifest.CreatedAt
	})
	return out, nil
}
