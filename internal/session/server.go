package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"

	"driftpursuit/movesync/internal/animation"
	"driftpursuit/movesync/internal/auth"
	"driftpursuit/movesync/internal/input"
	"driftpursuit/movesync/internal/logging"
	"driftpursuit/movesync/internal/movement"
	"driftpursuit/movesync/internal/networking"
	"driftpursuit/movesync/internal/physics"
	"driftpursuit/movesync/internal/replay"
	"driftpursuit/movesync/internal/wire"
	"driftpursuit/movesync/internal/world"
)

var (
	// ErrServerFull reports an attach beyond MaxClients.
	ErrServerFull = errors.New("session: server is full")
	// ErrServerClosed reports an attach after Close.
	ErrServerClosed = errors.New("session: server closed")
	// ErrDuplicatePeer reports an entity id that is already attached.
	ErrDuplicatePeer = errors.New("session: entity already attached")
	// ErrPeerMisbehaving reports a peer disconnected by input validation.
	ErrPeerMisbehaving = errors.New("session: peer disconnected for invalid input")
	// ErrSendQueueFull reports a frame dropped because the peer's queue is saturated.
	ErrSendQueueFull = errors.New("session: send queue full")
	// ErrThrottled reports a snapshot withheld by the bandwidth regulator.
	ErrThrottled = errors.New("session: snapshot throttled")
)

// Tracer records the movement trace. *replay.Recorder satisfies it.
type Tracer interface {
	Event(tick uint64, eventType, entityID string, payload any)
	Frame(tick uint64, payload []byte)
}

// Options configures the authority side.
type Options struct {
	Codec      wire.Codec
	Tuning     movement.Tuning
	Policy     movement.CorrectionPolicy
	TickRateHz float64
	// MaxClients caps attached peers. Zero means unlimited.
	MaxClients int
	SendBuffer int

	Gate      *input.Gate
	Validator *input.Validator
	// Bandwidth throttles snapshots per peer when set.
	Bandwidth *networking.BandwidthRegulator
	Metrics   *networking.SnapshotMetrics
	Trace     Tracer

	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	Authenticator   auth.RequestAuthenticator
	Logger          *logging.Logger
}

type peer struct {
	id         string
	conn       Conn
	out        *outbox
	controller *movement.Controller
	done       chan struct{}
}

// Server runs one authority entity per attached peer inside a shared world.
type Server struct {
	world    *world.World
	opts     Options
	logger   *logging.Logger
	upgrader websocket.Upgrader
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	peers   map[string]*peer
	closed  bool
	drops   input.DropCounters
	seq     atomic.Uint64
	startup atomic.Pointer[error]
}

// NewServer binds a server to w. Missing collaborators fall back to permissive defaults.
func NewServer(w *world.World, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.Codec == nil {
		opts.Codec = wire.ProtoCodec{}
	}
	if opts.Tuning == (movement.Tuning{}) {
		opts.Tuning = movement.DefaultTuning()
	}
	if opts.Policy == (movement.CorrectionPolicy{}) {
		opts.Policy = movement.DefaultCorrectionPolicy()
	}
	if opts.TickRateHz <= 0 {
		opts.TickRateHz = 50
	}
	if opts.Gate == nil {
		opts.Gate = input.NewGate(input.GateConfig{}, opts.Logger)
	}
	if opts.Validator == nil {
		opts.Validator = input.NewValidator(input.DefaultConstraints, opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = networking.NewSnapshotMetrics()
	}
	if opts.Authenticator == nil {
		opts.Authenticator = auth.AllowAll{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		world:   w,
		opts:    opts,
		logger:  opts.Logger,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[string]*peer),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.ToLower(strings.TrimSpace(origin))
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[origin] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		if _, ok := set[strings.ToLower(origin)]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Host)]
		return ok
	}
}

// spawnState lays peers out on a grid two metres apart.
func spawnState(index uint64) movement.State {
	col := float64(index % 8)
	row := float64(index / 8)
	return movement.State{
		Position: mgl64.Vec3{col * 2, 0, row * 2},
		Rotation: mgl64.QuatIdent(),
	}
}

func (s *Server) tick() uint64 {
	return s.world.Stats().Steps
}

func (s *Server) trace(eventType, entityID string, payload any) {
	if s.opts.Trace != nil {
		s.opts.Trace.Event(s.tick(), eventType, entityID, payload)
	}
}

func (s *Server) register(conn Conn, id string) (*peer, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, ErrServerClosed
	}
	if s.opts.MaxClients > 0 && len(s.peers) >= s.opts.MaxClients {
		return nil, 0, ErrServerFull
	}
	index := s.seq.Add(1) - 1
	if id == "" {
		id = fmt.Sprintf("peer-%d", index+1)
	}
	if _, exists := s.peers[id]; exists {
		return nil, 0, fmt.Errorf("%w: %s", ErrDuplicatePeer, id)
	}
	p := &peer{id: id, conn: conn, done: make(chan struct{})}
	s.peers[id] = p
	return p, index, nil
}

// Attach runs an authority entity for conn until the connection ends or ctx is cancelled.
// An empty id lets the server assign one.
func (s *Server) Attach(ctx context.Context, conn Conn, id string) error {
	p, index, err := s.register(conn, id)
	if err != nil {
		conn.Close()
		return err
	}
	logger := s.logger.With(logging.String("entity_id", p.id), logging.String("remote_addr", conn.RemoteAddr()))
	p.out = newOutbox(conn, s.opts.SendBuffer, logger)
	defer s.detach(p)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-p.done:
		}
	}()

	spawn := spawnState(index)
	body := physics.NewRigidBody(spawn.Position, spawn.Rotation)
	anim := animation.NewLocomotion(body, nil)
	controller := movement.NewController(p.id, body, anim, s.opts.Tuning, s.opts.Policy, logger)
	s.mu.Lock()
	p.controller = controller
	s.mu.Unlock()

	welcome, err := s.opts.Codec.Encode(wire.WelcomeFrame(wire.Welcome{
		EntityID:       p.id,
		TickRateHz:     s.opts.TickRateHz,
		SnapshotRateHz: s.opts.Policy.SnapshotRateHz,
		Spawn:          spawn,
	}))
	if err != nil {
		return fmt.Errorf("session: encode welcome: %w", err)
	}
	//1.- Welcome is queued before the entity exists so it is always the first frame out.
	if !p.out.enqueue(welcome) {
		return ErrSendQueueFull
	}
	links := movement.Links{Snapshots: movement.SnapshotSenderFunc(func(_ context.Context, snap movement.Snapshot) error {
		return s.sendSnapshot(p, snap)
	})}
	if err := controller.Start(movement.RoleConfig{IsAuthority: true}, links); err != nil {
		return err
	}
	s.world.Spawn(world.Entity{Controller: controller, Body: body})
	s.trace(replay.EventSpawn, p.id, map[string]any{"role": movement.RoleAuthority.String(), "remote_addr": conn.RemoteAddr()})
	logger.Info("peer attached")

	return s.readCommands(ctx, p, controller, logger)
}

func (s *Server) sendSnapshot(p *peer, snap movement.Snapshot) error {
	data, err := s.opts.Codec.Encode(wire.SnapshotFrame(p.id, snap))
	if err != nil {
		s.opts.Metrics.ObserveDrop(networking.DropEncode)
		return err
	}
	if s.opts.Bandwidth != nil && !s.opts.Bandwidth.Allow(p.id, len(data)) {
		s.opts.Metrics.ObserveDrop(networking.DropBandwidth)
		return ErrThrottled
	}
	if !p.out.enqueue(data) {
		s.opts.Metrics.ObserveDrop(networking.DropQueueFull)
		return ErrSendQueueFull
	}
	s.opts.Metrics.ObserveSent(p.id, len(data))
	if s.opts.Trace != nil {
		s.opts.Trace.Frame(s.tick(), data)
	}
	return nil
}

func (s *Server) readCommands(ctx context.Context, p *peer, controller *movement.Controller, logger *logging.Logger) error {
	for {
		data, err := p.conn.Recv()
		if err != nil {
			if ctx.Err() != nil || IsNormalClose(err) {
				return nil
			}
			return err
		}
		frame, err := s.opts.Codec.Decode(data)
		if err != nil {
			logger.Debug("discarding malformed frame", logging.Error(err))
			continue
		}
		if frame.Kind != wire.KindCommand {
			continue
		}
		cmd := *frame.Command

		verdict := s.opts.Validator.Validate(p.id, input.Payload{Move: cmd.Move, Look: cmd.Look})
		if !verdict.Accepted {
			if verdict.Disconnect {
				logger.Warn("disconnecting peer after repeated invalid input", logging.String("reason", string(verdict.Reason)))
				return ErrPeerMisbehaving
			}
			continue
		}
		decision := s.opts.Gate.Evaluate(input.Stamp{PeerID: p.id, Sequence: cmd.Sequence})
		if !decision.Accepted {
			s.countDrop(decision.Reason)
			s.trace(replay.EventCommandDrop, p.id, map[string]any{"sequence": cmd.Sequence, "reason": decision.Reason.String()})
			continue
		}
		controller.ReceiveCommand(cmd)
	}
}

func (s *Server) countDrop(reason input.DropReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch reason {
	case input.DropReasonSequence:
		s.drops.Sequence++
	case input.DropReasonJump:
		s.drops.Jump++
	}
}

func (s *Server) detach(p *peer) {
	close(p.done)
	p.out.close()
	p.conn.Close()
	//1.- Despawn is queued before the id is released so a reconnect cannot be removed by it.
	if p.controller != nil {
		s.world.Despawn(p.id, p.controller)
	}
	s.mu.Lock()
	if s.peers[p.id] == p {
		delete(s.peers, p.id)
	}
	s.mu.Unlock()

	s.opts.Gate.Forget(p.id)
	s.opts.Validator.Forget(p.id)
	s.opts.Bandwidth.Forget(p.id)
	s.opts.Metrics.ForgetClient(p.id)
	s.trace(replay.EventDespawn, p.id, nil)
	s.logger.Info("peer detached", logging.String("entity_id", p.id))
}

// ServeWS authenticates and upgrades a websocket request, then attaches it for the lifetime
// of the connection.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.opts.Authenticator.Authenticate(r)
	if err != nil {
		s.logger.Warn("rejecting unauthenticated peer", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.full() {
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", logging.Error(err))
		return
	}
	wsConn := NewWebSocketConn(conn, WebSocketOptions{
		PingInterval:    s.opts.PingInterval,
		MaxPayloadBytes: s.opts.MaxPayloadBytes,
	})
	if err := s.Attach(s.ctx, wsConn, id); err != nil {
		s.logger.Info("peer session ended", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
	}
}

func (s *Server) full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.MaxClients > 0 && len(s.peers) >= s.opts.MaxClients
}

// SpawnHost creates an entity that predicts and owns itself, driven by capture.
func (s *Server) SpawnHost(id string, capture *input.Capture) (*movement.Controller, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServerClosed
	}
	if _, exists := s.peers[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePeer, id)
	}
	s.mu.Unlock()

	spawn := spawnState(s.seq.Add(1) - 1)
	body := physics.NewRigidBody(spawn.Position, spawn.Rotation)
	anim := animation.NewLocomotion(body, nil)
	controller := movement.NewController(id, body, anim, s.opts.Tuning, s.opts.Policy, s.logger)
	if err := controller.Start(movement.RoleConfig{IsPredictor: true, IsAuthority: true}, movement.Links{Capture: capture}); err != nil {
		return nil, err
	}
	s.world.Spawn(world.Entity{Controller: controller, Body: body})
	s.trace(replay.EventSpawn, id, map[string]any{"role": movement.RoleHost.String()})
	return controller, nil
}

// Controller returns the authority controller of an attached peer.
func (s *Server) Controller(id string) (*movement.Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok || p.controller == nil {
		return nil, false
	}
	return p.controller, true
}

// Peers reports attached network peers. Hosts are not counted.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// CommandDrops totals commands rejected by the gate since start.
func (s *Server) CommandDrops() input.DropCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// SnapshotMetrics exposes the per-peer snapshot counters.
func (s *Server) SnapshotMetrics() *networking.SnapshotMetrics { return s.opts.Metrics }

// SetStartupError marks the server unready.
func (s *Server) SetStartupError(err error) {
	if err == nil {
		s.startup.Store(nil)
		return
	}
	s.startup.Store(&err)
}

// StartupError returns the error recorded by SetStartupError.
func (s *Server) StartupError() error {
	if err := s.startup.Load(); err != nil {
		return *err
	}
	return nil
}

// Uptime reports time since NewServer.
func (s *Server) Uptime() time.Duration { return time.Since(s.started) }

// Close refuses new peers and disconnects the attached ones. Their entities despawn as their
// sessions unwind.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	s.cancel()
	for _, p := range peers {
		p.conn.Close()
	}
}
