// Package world owns the set of movement entities stepped by the simulation loop.
package world

import (
	"sync"
	"sync/atomic"

	"github.com/elliotchance/orderedmap/v2"

	"driftpursuit/movesync/internal/logging"
	"driftpursuit/movesync/internal/movement"
)

// Stepper advances a physics body after every controller ticked.
type Stepper interface {
	Step(dt float64)
}

// Entity pairs a started controller with the body the world integrates.
type Entity struct {
	Controller *movement.Controller
	Body       Stepper
}

// EntityStats reports one entity in spawn order.
type EntityStats struct {
	ID string `json:"id"`
	movement.Stats
}

// Summary aggregates counters across every live entity at the end of a step.
type Summary struct {
	Steps             uint64         `json:"steps"`
	Entities          int            `json:"entities"`
	Roles             map[string]int `json:"roles"`
	CommandsSent      uint64         `json:"commands_sent"`
	CommandsReceived  uint64         `json:"commands_received"`
	SnapshotsSent     uint64         `json:"snapshots_sent"`
	SnapshotsReceived uint64         `json:"snapshots_received"`
	SendFailures      uint64         `json:"send_failures"`
	SoftCorrections   uint64         `json:"soft_corrections"`
	HardCorrections   uint64         `json:"hard_corrections"`
	StaleSnapshots    uint64         `json:"stale_snapshots"`
	PerEntity         []EntityStats  `json:"per_entity"`
}

type mutation struct {
	id     string
	entity *Entity
}

// World keeps entities in spawn order. Spawn and Despawn may be called from any goroutine;
// they are queued and applied at the start of the next Step, so the map itself is only
// touched by the goroutine that calls Step.
type World struct {
	logger   *logging.Logger
	entities *orderedmap.OrderedMap[string, *Entity]

	mu      sync.Mutex
	pending []mutation

	steps   uint64
	summary atomic.Pointer[Summary]
}

// New constructs an empty world.
func New(logger *logging.Logger) *World {
	if logger == nil {
		logger = logging.L()
	}
	w := &World{logger: logger, entities: orderedmap.NewOrderedMap[string, *Entity]()}
	w.summary.Store(&Summary{Roles: map[string]int{}})
	return w
}

// Spawn queues an entity for insertion. A later spawn with the same id replaces the earlier
// entity and stops it.
func (w *World) Spawn(entity Entity) {
	if w == nil || entity.Controller == nil {
		return
	}
	e := entity
	w.mu.Lock()
	w.pending = append(w.pending, mutation{id: entity.Controller.ID(), entity: &e})
	w.mu.Unlock()
}

// Despawn queues the removal of id. The controller is stopped immediately so transport
// goroutines see it go quiet before the next step runs.
func (w *World) Despawn(id string, controller *movement.Controller) {
	if w == nil {
		return
	}
	if controller != nil {
		controller.Stop()
	}
	w.mu.Lock()
	w.pending = append(w.pending, mutation{id: id})
	w.mu.Unlock()
}

// Step applies queued mutations, ticks every controller in spawn order, then steps every
// body once.
func (w *World) Step(dt float64) {
	if w == nil {
		return
	}
	w.applyPending()

	//1.- Controllers first so root motion is queued before any body integrates.
	for el := w.entities.Front(); el != nil; el = el.Next() {
		el.Value.Controller.Tick(dt)
	}
	//2.- Bodies afterwards, exactly once per step.
	for el := w.entities.Front(); el != nil; el = el.Next() {
		if el.Value.Body != nil {
			el.Value.Body.Step(dt)
		}
	}
	w.steps++
	w.publishSummary()
}

func (w *World) applyPending() {
	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	for _, m := range pending {
		previous, exists := w.entities.Get(m.id)
		if m.entity == nil {
			if exists {
				previous.Controller.Stop()
				w.entities.Delete(m.id)
				w.logger.Debug("entity despawned", logging.String("entity_id", m.id))
			}
			continue
		}
		if exists && previous.Controller != m.entity.Controller {
			previous.Controller.Stop()
			w.entities.Delete(m.id)
			w.logger.Warn("entity replaced", logging.String("entity_id", m.id))
		}
		w.entities.Set(m.id, m.entity)
		w.logger.Debug("entity spawned", logging.String("entity_id", m.id))
	}
}

func (w *World) publishSummary() {
	summary := &Summary{
		Steps:     w.steps,
		Entities:  w.entities.Len(),
		Roles:     make(map[string]int),
		PerEntity: make([]EntityStats, 0, w.entities.Len()),
	}
	for el := w.entities.Front(); el != nil; el = el.Next() {
		stats := el.Value.Controller.Stats()
		summary.Roles[stats.Role.String()]++
		summary.CommandsSent += stats.CommandsSent
		summary.CommandsReceived += stats.CommandsReceived
		summary.SnapshotsSent += stats.SnapshotsSent
		summary.SnapshotsReceived += stats.SnapshotsReceived
		summary.SendFailures += stats.SendFailures
		summary.SoftCorrections += stats.SoftCorrections
		summary.HardCorrections += stats.HardCorrections
		summary.StaleSnapshots += stats.StaleSnapshots
		summary.PerEntity = append(summary.PerEntity, EntityStats{ID: el.Key, Stats: stats})
	}
	w.summary.Store(summary)
}

// Stats returns the summary published by the most recent step. Safe from any goroutine.
func (w *World) Stats() Summary {
	if w == nil {
		return Summary{}
	}
	return *w.summary.Load()
}

// IDs lists the live entity ids in spawn order. Only call from the stepping goroutine.
func (w *World) IDs() []string {
	if w == nil {
		return nil
	}
	return w.entities.Keys()
}

// Close stops every live and queued entity.
func (w *World) Close() {
	if w == nil {
		return
	}
	w.applyPending()
	for el := w.entities.Front(); el != nil; el = el.Next() {
		el.Value.Controller.Stop()
	}
	w.entities = orderedmap.NewOrderedMap[string, *Entity]()
	w.publishSummary()
}
