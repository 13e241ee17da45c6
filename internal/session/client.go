package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"driftpursuit/movesync/internal/animation"
	"driftpursuit/movesync/internal/input"
	"driftpursuit/movesync/internal/logging"
	"driftpursuit/movesync/internal/movement"
	"driftpursuit/movesync/internal/physics"
	"driftpursuit/movesync/internal/replay"
	"driftpursuit/movesync/internal/simulation"
	"driftpursuit/movesync/internal/wire"
)

// DefaultHandshakeTimeout bounds the wait for the authority's welcome.
const DefaultHandshakeTimeout = 5 * time.Second

// ErrHandshake reports a connection whose first frame was not a welcome.
var ErrHandshake = errors.New("session: handshake failed")

// ClientOptions configures the predicting side.
type ClientOptions struct {
	Codec            wire.Codec
	Tuning           movement.Tuning
	Policy           movement.CorrectionPolicy
	Logger           *logging.Logger
	Capture          *input.Capture
	OnCorrection     func(movement.Correction)
	Trace            Tracer
	HandshakeTimeout time.Duration
	SendBuffer       int
}

// Client predicts one entity against a remote authority.
type Client struct {
	conn       Conn
	codec      wire.Codec
	welcome    wire.Welcome
	body       *physics.RigidBody
	controller *movement.Controller
	out        *outbox
	logger     *logging.Logger
	trace      Tracer

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

type recvResult struct {
	data []byte
	err  error
}

// NewClient waits for the welcome on conn, then spawns the predictor at the announced pose.
func NewClient(ctx context.Context, conn Conn, opts ClientOptions) (*Client, error) {
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
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}

	welcome, err := awaitWelcome(ctx, conn, opts.Codec, opts.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if welcome.SnapshotRateHz > 0 {
		opts.Policy.SnapshotRateHz = welcome.SnapshotRateHz
	}

	logger := opts.Logger.With(logging.String("entity_id", welcome.EntityID))
	c := &Client{
		conn:    conn,
		codec:   opts.Codec,
		welcome: welcome,
		body:    physics.NewRigidBody(welcome.Spawn.Position, welcome.Spawn.Rotation),
		logger:  logger,
		trace:   opts.Trace,
		done:    make(chan struct{}),
	}
	c.body.SetLinearVelocity(welcome.Spawn.LinearVelocity)
	c.out = newOutbox(conn, opts.SendBuffer, logger)
	anim := animation.NewLocomotion(c.body, nil)
	c.controller = movement.NewController(welcome.EntityID, c.body, anim, opts.Tuning, opts.Policy, logger)

	links := movement.Links{
		Commands: movement.CommandSenderFunc(c.sendCommand),
		Capture:  opts.Capture,
		OnCorrection: func(correction movement.Correction) {
			if c.trace != nil && correction.Kind != movement.CorrectionSoft {
				c.trace.Event(correction.Sequence, replay.EventCorrection, welcome.EntityID, map[string]any{
					"kind":               correction.Kind.String(),
					"ack_command":        correction.AckCommand,
					"position_error":     correction.PositionError,
					"rotation_error_deg": correction.RotationErrorDeg,
				})
			}
			if opts.OnCorrection != nil {
				opts.OnCorrection(correction)
			}
		},
	}
	if err := c.controller.Start(movement.RoleConfig{IsPredictor: true}, links); err != nil {
		c.Close()
		return nil, err
	}
	go c.readSnapshots()
	logger.Info("predictor attached", logging.String("remote_addr", conn.RemoteAddr()))
	return c, nil
}

func awaitWelcome(ctx context.Context, conn Conn, codec wire.Codec, timeout time.Duration) (wire.Welcome, error) {
	result := make(chan recvResult, 1)
	go func() {
		data, err := conn.Recv()
		result <- recvResult{data: data, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return wire.Welcome{}, ctx.Err()
	case <-timer.C:
		return wire.Welcome{}, fmt.Errorf("%w: no welcome within %s", ErrHandshake, timeout)
	case res := <-result:
		if res.err != nil {
			return wire.Welcome{}, fmt.Errorf("%w: %v", ErrHandshake, res.err)
		}
		frame, err := codec.Decode(res.data)
		if err != nil {
			return wire.Welcome{}, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if frame.Kind != wire.KindWelcome || frame.Welcome.EntityID == "" {
			return wire.Welcome{}, fmt.Errorf("%w: first frame was %s", ErrHandshake, frame.Kind)
		}
		return *frame.Welcome, nil
	}
}

func (c *Client) sendCommand(_ context.Context, cmd movement.Command) error {
	data, err := c.codec.Encode(wire.CommandFrame(c.welcome.EntityID, cmd))
	if err != nil {
		return err
	}
	if !c.out.enqueue(data) {
		return ErrSendQueueFull
	}
	return nil
}

func (c *Client) readSnapshots() {
	for {
		data, err := c.conn.Recv()
		if err != nil {
			if !IsNormalClose(err) {
				c.setErr(err)
			}
			c.Close()
			return
		}
		frame, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Debug("discarding malformed frame", logging.Error(err))
			continue
		}
		if frame.Kind != wire.KindSnapshot || frame.EntityID != c.welcome.EntityID {
			continue
		}
		c.controller.ReceiveSnapshot(*frame.Snapshot)
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Err returns the error that ended the session, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Step runs one predictor tick followed by one physics step.
func (c *Client) Step(dt float64) {
	c.controller.Tick(dt)
	c.body.Step(dt)
}

// Run steps the predictor at the authority's tick rate until ctx ends or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	loop := simulation.NewLoop(c.welcome.TickRateHz, func(step time.Duration) {
		c.Step(step.Seconds())
	}, simulation.WithLogger(c.logger))
	loop.Start(ctx)
	defer loop.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.Err()
	}
}

// Welcome returns the handshake the authority sent.
func (c *Client) Welcome() wire.Welcome { return c.welcome }

// Controller returns the predicting controller.
func (c *Client) Controller() *movement.Controller { return c.controller }

// Body returns the predicted physics body.
func (c *Client) Body() *physics.RigidBody { return c.body }

// Done is closed once the session has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close stops the predictor and closes the connection. It is idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.out != nil {
			c.out.close()
		}
		if c.controller != nil {
			c.controller.Stop()
		}
		err = c.conn.Close()
	})
	return err
}
