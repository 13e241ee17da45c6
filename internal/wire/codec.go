// Package wire defines the frames exchanged between predictor and authority and the binary
// codecs that carry them over websocket or gRPC.
package wire

import (
	"errors"
	"fmt"
	"strings"

	"driftpursuit/movesync/internal/movement"
)

// Kind identifies the payload carried by a frame.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindWelcome is sent once by the authority after a peer attaches.
	KindWelcome
	// KindCommand carries one predictor tick.
	KindCommand
	// KindSnapshot carries an authoritative pose.
	KindSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindWelcome:
		return "welcome"
	case KindCommand:
		return "command"
	case KindSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Welcome tells a predictor which entity it controls and how the authority is paced.
type Welcome struct {
	EntityID       string
	TickRateHz     float64
	SnapshotRateHz float64
	Spawn          movement.State
}

// Frame is a single message on a movement session. Exactly one payload matches Kind.
type Frame struct {
	Kind     Kind
	EntityID string
	Welcome  *Welcome
	Command  *movement.Command
	Snapshot *movement.Snapshot
}

// CommandFrame wraps a command for entityID.
func CommandFrame(entityID string, cmd movement.Command) Frame {
	return Frame{Kind: KindCommand, EntityID: entityID, Command: &cmd}
}

// SnapshotFrame wraps a snapshot for entityID.
func SnapshotFrame(entityID string, snap movement.Snapshot) Frame {
	return Frame{Kind: KindSnapshot, EntityID: entityID, Snapshot: &snap}
}

// WelcomeFrame wraps a welcome handshake.
func WelcomeFrame(w Welcome) Frame {
	return Frame{Kind: KindWelcome, EntityID: w.EntityID, Welcome: &w}
}

var (
	// ErrUnknownCodec reports an unsupported codec name.
	ErrUnknownCodec = errors.New("wire: unknown codec")
	// ErrMalformedFrame reports a frame whose kind and payload disagree.
	ErrMalformedFrame = errors.New("wire: malformed frame")
)

// Validate checks that the payload matching Kind is present.
func (f Frame) Validate() error {
	switch f.Kind {
	case KindWelcome:
		if f.Welcome == nil {
			return fmt.Errorf("%w: welcome payload missing", ErrMalformedFrame)
		}
	case KindCommand:
		if f.Command == nil {
			return fmt.Errorf("%w: command payload missing", ErrMalformedFrame)
		}
	case KindSnapshot:
		if f.Snapshot == nil {
			return fmt.Errorf("%w: snapshot payload missing", ErrMalformedFrame)
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrMalformedFrame, f.Kind)
	}
	return nil
}

// Codec serialises frames.
type Codec interface {
	Name() string
	Encode(Frame) ([]byte, error)
	Decode([]byte) (Frame, error)
}

// ByName resolves a configured codec.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "proto", "protobuf":
		return ProtoCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
