package movement

import (
	"context"
	"sync/atomic"

	"driftpursuit/movesync/internal/input"
	"driftpursuit/movesync/internal/logging"
	"driftpursuit/movesync/internal/physics"
)

// Channel turns drained tick input into a sequenced command and routes it either over the
// network or, on a host, straight into the local engine.
type Channel struct {
	sender   CommandSender
	loopback *Engine
	logger   *logging.Logger

	sequence uint64
	sent     atomic.Uint64
	failed   atomic.Uint64
}

// NewNetworkChannel sends commands through sender.
func NewNetworkChannel(sender CommandSender, logger *logging.Logger) *Channel {
	return &Channel{sender: sender, logger: logger}
}

// NewLoopbackChannel assigns commands directly into engine without a network hop.
func NewLoopbackChannel(engine *Engine) *Channel {
	return &Channel{loopback: engine}
}

// Dispatch builds the tick's command and delivers it. Send failures are not retried; the
// authority keeps its last command until the next one arrives.
func (c *Channel) Dispatch(ctx context.Context, in input.TickInput) Command {
	c.sequence++
	cmd := Command{
		Sequence: c.sequence,
		Move:     physics.ClampUnit(in.Move),
		Look:     in.Look,
		Sprint:   in.Sprint,
	}

	if c.loopback != nil {
		c.loopback.SetCommand(cmd)
		return cmd
	}
	if c.sender == nil {
		return cmd
	}
	if err := c.sender.SendCommand(ctx, cmd); err != nil {
		c.failed.Add(1)
		if c.logger != nil {
			c.logger.Debug("command send failed", logging.Uint64("sequence", cmd.Sequence), logging.Error(err))
		}
		return cmd
	}
	c.sent.Add(1)
	return cmd
}

// Sequence is the last sequence number handed out.
func (c *Channel) Sequence() uint64 { return c.sequence }

// Sent counts commands accepted by the sender.
func (c *Channel) Sent() uint64 { return c.sent.Load() }

// Failed counts commands the sender rejected.
func (c *Channel) Failed() uint64 { return c.failed.Load() }
