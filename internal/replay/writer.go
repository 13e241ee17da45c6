// Package replay records movement traces as compressed bundles and reads them back.
//
// A bundle is a directory holding manifest.json, events.jsonl.sz (snappy framed JSON lines)
// and frames.bin.zst (zstd compressed, length-prefixed wire frames).
package replay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var labelCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const (
	// ManifestVersion is bumped whenever the bundle layout changes.
	ManifestVersion = 1
	// DefaultFrameFlushInterval batches frames before they reach the zstd stream.
	DefaultFrameFlushInterval = 200 * time.Millisecond

	manifestFile = "manifest.json"
	eventsFile   = "events.jsonl.sz"
	framesFile   = "frames.bin.zst"

	frameHeaderSize = 8 + 8 + 4
)

// Event types written by the session layer.
const (
	EventSpawn       = "spawn"
	EventDespawn     = "despawn"
	EventCommandDrop = "command_drop"
	EventCorrection  = "correction"
)

// ErrWriterClosed reports a write after Close.
var ErrWriterClosed = errors.New("replay: writer closed")

// Manifest describes a bundle so tooling can decode it.
type Manifest struct {
	Version        int     `json:"version"`
	Label          string  `json:"label"`
	CreatedAt      string  `json:"created_at"`
	ClosedAt       string  `json:"closed_at,omitempty"`
	Codec          string  `json:"codec"`
	TickRateHz     float64 `json:"tick_rate_hz"`
	SnapshotRateHz float64 `json:"snapshot_rate_hz"`
	FrameFlushMs   int     `json:"frame_flush_ms"`
	EventsPath     string  `json:"events_path"`
	FramesPath     string  `json:"frames_path"`
	EventCount     int     `json:"event_count"`
	FrameCount     int     `json:"frame_count"`
}

// Meta is the caller supplied part of the manifest.
type Meta struct {
	Label          string
	Codec          string
	TickRateHz     float64
	SnapshotRateHz float64
}

// Event is one line of events.jsonl.sz.
type Event struct {
	Tick       uint64          `json:"tick"`
	CapturedAt time.Time       `json:"captured_at"`
	Type       string          `json:"type"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type frameBlob struct {
	tick       uint64
	capturedAt time.Time
	payload    []byte
}

// Writer streams one bundle to disk. It is safe for concurrent use.
type Writer struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	flushEvery  time.Duration
	manifest    Manifest
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	pending     []frameBlob
	lastFlush   time.Time
	closed      bool
}

// NewWriter creates a fresh bundle directory under root and opens its compressed sinks.
func NewWriter(root string, meta Meta, clock func() time.Time) (*Writer, error) {
	if root == "" {
		return nil, fmt.Errorf("replay: root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	label := labelCleaner.ReplaceAllString(meta.Label, "")
	if label == "" {
		label = "trace"
	}
	created := clock().UTC()

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("replay: create root: %w", err)
	}
	dir, err := makeBundleDir(root, fmt.Sprintf("%s-%s", label, created.Format("20060102T150405Z")))
	if err != nil {
		return nil, err
	}

	w := &Writer{
		dir:        dir,
		now:        clock,
		flushEvery: DefaultFrameFlushInterval,
		manifest: Manifest{
			Version:        ManifestVersion,
			Label:          label,
			CreatedAt:      created.Format(time.RFC3339Nano),
			Codec:          meta.Codec,
			TickRateHz:     meta.TickRateHz,
			SnapshotRateHz: meta.SnapshotRateHz,
			FrameFlushMs:   int(DefaultFrameFlushInterval / time.Millisecond),
			EventsPath:     eventsFile,
			FramesPath:     framesFile,
		},
	}
	if err := w.open(); err != nil {
		w.release()
		return nil, err
	}
	if err := w.writeManifestLocked(); err != nil {
		w.release()
		return nil, err
	}
	return w, nil
}

// makeBundleDir creates base under root, adding a numeric suffix when a bundle with the same
// second-resolution name already exists.
func makeBundleDir(root, base string) (string, error) {
	for attempt := 0; attempt < 1000; attempt++ {
		name := base
		if attempt > 0 {
			name = fmt.Sprintf("%s-%03d", base, attempt)
		}
		path := filepath.Join(root, name)
		err := os.Mkdir(path, 0o755)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("replay: create bundle: %w", err)
		}
	}
	return "", fmt.Errorf("replay: too many bundles named %s", base)
}

func (w *Writer) open() error {
	eventFile, err := os.Create(filepath.Join(w.dir, eventsFile))
	if err != nil {
		return fmt.Errorf("replay: create events: %w", err)
	}
	w.eventFile = eventFile
	w.eventStream = snappy.NewBufferedWriter(eventFile)

	frameFile, err := os.Create(filepath.Join(w.dir, framesFile))
	if err != nil {
		return fmt.Errorf("replay: create frames: %w", err)
	}
	w.frameFile = frameFile
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		return fmt.Errorf("replay: zstd writer: %w", err)
	}
	w.frameStream = frameStream
	return nil
}

// release closes whatever open managed to create.
func (w *Writer) release() {
	if w.frameStream != nil {
		w.frameStream.Close()
	}
	if w.frameFile != nil {
		w.frameFile.Close()
	}
	if w.eventStream != nil {
		w.eventStream.Close()
	}
	if w.eventFile != nil {
		w.eventFile.Close()
	}
}

// Directory exposes the directory backing the bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// Manifest returns the manifest as it will be written on Close.
func (w *Writer) Manifest() Manifest {
	if w == nil {
		return Manifest{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.manifest
}

// AppendEvent writes one JSON line. payload is marshalled with encoding/json; nil omits it.
func (w *Writer) AppendEvent(tick uint64, eventType, entityID string, payload any) error {
	if w == nil {
		return ErrWriterClosed
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("replay: encode %s payload: %w", eventType, err)
		}
		raw = data
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	line, err := json.Marshal(Event{Tick: tick, CapturedAt: captured, Type: eventType, EntityID: entityID, Payload: raw})
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := w.eventStream.Write(line); err != nil {
		return fmt.Errorf("replay: write event: %w", err)
	}
	w.manifest.EventCount++
	return w.eventStream.Flush()
}

// AppendFrame stages an encoded frame; staged frames reach the zstd stream in batches.
func (w *Writer) AppendFrame(tick uint64, payload []byte) error {
	if w == nil {
		return ErrWriterClosed
	}
	captured := w.now().UTC()
	clone := append([]byte(nil), payload...)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.pending = append(w.pending, frameBlob{tick: tick, capturedAt: captured, payload: clone})
	w.manifest.FrameCount++
	if w.lastFlush.IsZero() {
		w.lastFlush = captured
		return nil
	}
	if captured.Sub(w.lastFlush) >= w.flushEvery {
		if err := w.flushLocked(); err != nil {
			return err
		}
		w.lastFlush = captured
	}
	return nil
}

// Flush forces staged frames into the stream regardless of cadence.
func (w *Writer) Flush() error {
	if w == nil {
		return ErrWriterClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.lastFlush = w.now().UTC()
	return nil
}

// Close flushes every buffer, rewrites the manifest with final counts and releases the files.
// Calling Close twice is a no-op.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var errs error
	//1.- Attempt every flush and close, keeping all failures.
	errs = errors.Join(errs, w.flushLocked())
	errs = errors.Join(errs, w.eventStream.Close())
	errs = errors.Join(errs, w.eventFile.Close())
	errs = errors.Join(errs, w.frameStream.Close())
	errs = errors.Join(errs, w.frameFile.Close())
	//2.- The manifest goes last so its counts describe what actually hit disk.
	w.manifest.ClosedAt = w.now().UTC().Format(time.RFC3339Nano)
	errs = errors.Join(errs, w.writeManifestLocked())
	return errs
}

func (w *Writer) writeManifestLocked() error {
	data, err := json.MarshalIndent(w.manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(w.dir, manifestFile), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("replay: write manifest: %w", err)
	}
	return nil
}

// flushLocked writes staged frames as tick, capture time and length followed by the payload.
func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	header := make([]byte, frameHeaderSize)
	for _, frame := range w.pending {
		binary.LittleEndian.PutUint64(header[0:8], frame.tick)
		binary.LittleEndian.PutUint64(header[8:16], uint64(frame.capturedAt.UnixNano()))
		binary.LittleEndian.PutUint32(header[16:20], uint32(len(frame.payload)))
		if _, err := w.frameStream.Write(header); err != nil {
			return fmt.Errorf("replay: write frame: %w", err)
		}
		if _, err := w.frameStream.Write(frame.payload); err != nil {
			return fmt.Errorf("replay: write frame: %w", err)
		}
	}
	w.pending = w.pending[:0]
	return nil
}
