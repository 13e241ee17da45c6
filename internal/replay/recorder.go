package replay

import (
	"fmt"
	"sync"
	"time"

	"driftpursuit/movesync/internal/logging"
)

// Stats summarises recorder health for monitoring endpoints.
type Stats struct {
	Directory    string    `json:"directory"`
	Events       int       `json:"events"`
	Frames       int       `json:"frames"`
	Rolls        int64     `json:"rolls"`
	WriteErrors  int64     `json:"write_errors"`
	LastRolled   string    `json:"last_rolled,omitempty"`
	LastRollTime time.Time `json:"last_roll_time,omitempty"`
}

// Recorder owns the active bundle and swaps it for a fresh one on Roll. Write failures are
// counted and logged instead of surfacing to the simulation.
type Recorder struct {
	mu         sync.Mutex
	root       string
	meta       Meta
	now        func() time.Time
	log        *logging.Logger
	current    *Writer
	rolls      int64
	errors     int64
	lastRolled string
	lastRollAt time.Time
}

// NewRecorder opens the first bundle under root.
func NewRecorder(root string, meta Meta, clock func() time.Time, logger *logging.Logger) (*Recorder, error) {
	if root == "" {
		return nil, fmt.Errorf("replay: trace directory must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = logging.L()
	}
	writer, err := NewWriter(root, meta, clock)
	if err != nil {
		return nil, err
	}
	logger.Info("movement trace opened", logging.String("bundle", writer.Directory()))
	return &Recorder{root: root, meta: meta, now: clock, log: logger, current: writer}, nil
}

// Event appends an event to the active bundle.
func (r *Recorder) Event(tick uint64, eventType, entityID string, payload any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	writer := r.current
	r.mu.Unlock()
	r.observe(writer.AppendEvent(tick, eventType, entityID, payload), eventType)
}

// Frame appends an encoded frame to the active bundle.
func (r *Recorder) Frame(tick uint64, payload []byte) {
	if r == nil {
		return
	}
	r.mu.Lock()
	writer := r.current
	r.mu.Unlock()
	r.observe(writer.AppendFrame(tick, payload), "frame")
}

func (r *Recorder) observe(err error, what string) {
	if err == nil {
		return
	}
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
	r.log.Debug("movement trace write failed", logging.String("record", what), logging.Error(err))
}

// Roll closes the active bundle and opens a new one. It returns the closed bundle directory.
func (r *Recorder) Roll() (string, error) {
	if r == nil {
		return "", fmt.Errorf("replay: recorder not configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	//1.- Open the replacement first so a failure leaves the current bundle recording.
	next, err := NewWriter(r.root, r.meta, r.now)
	if err != nil {
		return "", err
	}
	previous := r.current
	r.current = next
	closeErr := previous.Close()

	r.rolls++
	r.lastRolled = previous.Directory()
	r.lastRollAt = r.now().UTC()
	r.log.Info("movement trace rolled",
		logging.String("closed", r.lastRolled),
		logging.String("opened", next.Directory()),
	)
	if closeErr != nil {
		return r.lastRolled, fmt.Errorf("replay: close %s: %w", r.lastRolled, closeErr)
	}
	return r.lastRolled, nil
}

// ActiveDirectory returns the directory currently being written.
func (r *Recorder) ActiveDirectory() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Directory()
}

// Close finalises the active bundle.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	writer := r.current
	r.mu.Unlock()
	return writer.Close()
}

// Stats copies the recorder counters.
func (r *Recorder) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	writer := r.current
	stats := Stats{
		Directory:    writer.Directory(),
		Rolls:        r.rolls,
		WriteErrors:  r.errors,
		LastRolled:   r.lastRolled,
		LastRollTime: r.lastRollAt,
	}
	r.mu.Unlock()
	manifest := writer.Manifest()
	stats.Events = manifest.EventCount
	stats.Frames = manifest.FrameCount
	return stats
}
