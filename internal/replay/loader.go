package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// FrameRecord is one frame read back from frames.bin.zst.
type FrameRecord struct {
	Tick       uint64
	CapturedAt time.Time
	Payload    []byte
}

// Bundle is a fully loaded trace.
type Bundle struct {
	Dir      string
	Manifest Manifest
	Events   []Event
	Frames   []FrameRecord
}

// TimelineEntry is either an event or a frame, ordered by tick.
type TimelineEntry struct {
	Tick  uint64
	Event *Event
	Frame *FrameRecord
}

// Open loads the bundle stored in dir.
func Open(dir string) (*Bundle, error) {
	if dir == "" {
		return nil, fmt.Errorf("replay: bundle path must be provided")
	}
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("replay: read manifest: %w", err)
	}
	bundle := &Bundle{Dir: dir}
	if err := json.Unmarshal(data, &bundle.Manifest); err != nil {
		return nil, fmt.Errorf("replay: decode manifest: %w", err)
	}
	if bundle.Manifest.Version != ManifestVersion {
		return nil, fmt.Errorf("replay: unsupported manifest version %d", bundle.Manifest.Version)
	}
	if bundle.Events, err = readEvents(filepath.Join(dir, bundle.Manifest.EventsPath)); err != nil {
		return nil, err
	}
	if bundle.Frames, err = readFrames(filepath.Join(dir, bundle.Manifest.FramesPath)); err != nil {
		return nil, err
	}
	return bundle, nil
}

func readEvents(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: open events: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("replay: decode event %d: %w", len(events), err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("replay: read events: %w", err)
	}
	return events, nil
}

func readFrames(path string) ([]FrameRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: open frames: %w", err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("replay: zstd reader: %w", err)
	}
	defer decoder.Close()

	var frames []FrameRecord
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(decoder, header); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return nil, fmt.Errorf("replay: frame %d header: %w", len(frames), err)
		}
		size := binary.LittleEndian.Uint32(header[16:20])
		payload := make([]byte, size)
		if _, err := io.ReadFull(decoder, payload); err != nil {
			return nil, fmt.Errorf("replay: frame %d payload: %w", len(frames), err)
		}
		frames = append(frames, FrameRecord{
			Tick:       binary.LittleEndian.Uint64(header[0:8]),
			CapturedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(header[8:16]))).UTC(),
			Payload:    payload,
		})
	}
}

// Timeline merges events and frames by tick. Events sort ahead of frames on the same tick.
func (b *Bundle) Timeline() []TimelineEntry {
	if b == nil {
		return nil
	}
	entries := make([]TimelineEntry, 0, len(b.Events)+len(b.Frames))
	for i := range b.Events {
		entries = append(entries, TimelineEntry{Tick: b.Events[i].Tick, Event: &b.Events[i]})
	}
	for i := range b.Frames {
		entries = append(entries, TimelineEntry{Tick: b.Frames[i].Tick, Frame: &b.Frames[i]})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Tick != entries[j].Tick {
			return entries[i].Tick < entries[j].Tick
		}
		return entries[i].Event != nil && entries[j].Event == nil
	})
	return entries
}

// Replay walks the timeline, stopping at the first callback error.
func (b *Bundle) Replay(apply func(TimelineEntry) error) error {
	if apply == nil {
		return fmt.Errorf("replay: callback must be provided")
	}
	for _, entry := range b.Timeline() {
		if err := apply(entry); err != nil {
			return err
		}
	}
	return nil
}
