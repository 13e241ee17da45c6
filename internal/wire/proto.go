package wire

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"google.golang.org/protobuf/encoding/protowire"

	"driftpursuit/movesync/internal/movement"
)

// Field numbers of the movesync.v1 messages. Doubles travel as fixed64.
const (
	frameKind     protowire.Number = 1
	frameEntity   protowire.Number = 2
	frameWelcome  protowire.Number = 3
	frameCommand  protowire.Number = 4
	frameSnapshot protowire.Number = 5

	welcomeEntity   protowire.Number = 1
	welcomeTickRate protowire.Number = 2
	welcomeSnapRate protowire.Number = 3
	welcomeSpawn    protowire.Number = 4

	commandSequence protowire.Number = 1
	commandMoveX    protowire.Number = 2
	commandMoveY    protowire.Number = 3
	commandLookX    protowire.Number = 4
	commandLookY    protowire.Number = 5
	commandSprint   protowire.Number = 6

	snapshotSequence protowire.Number = 1
	snapshotAck      protowire.Number = 2
	snapshotState    protowire.Number = 3

	statePosX protowire.Number = 1
	statePosY protowire.Number = 2
	statePosZ protowire.Number = 3
	stateRotW protowire.Number = 4
	stateRotX protowire.Number = 5
	stateRotY protowire.Number = 6
	stateRotZ protowire.Number = 7
	stateVelX protowire.Number = 8
	stateVelY protowire.Number = 9
	stateVelZ protowire.Number = 10
)

// ProtoCodec lays frames out in protobuf wire format without generated code, so any
// protobuf runtime can decode them with the matching schema.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

// Encode serialises f.
func (ProtoCodec) Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, 0, 128)
	b = protowire.AppendTag(b, frameKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	if f.EntityID != "" {
		b = protowire.AppendTag(b, frameEntity, protowire.BytesType)
		b = protowire.AppendString(b, f.EntityID)
	}
	switch f.Kind {
	case KindWelcome:
		b = protowire.AppendTag(b, frameWelcome, protowire.BytesType)
		b = protowire.AppendBytes(b, appendWelcome(nil, *f.Welcome))
	case KindCommand:
		b = protowire.AppendTag(b, frameCommand, protowire.BytesType)
		b = protowire.AppendBytes(b, appendCommand(nil, *f.Command))
	case KindSnapshot:
		b = protowire.AppendTag(b, frameSnapshot, protowire.BytesType)
		b = protowire.AppendBytes(b, appendSnapshot(nil, *f.Snapshot))
	}
	return b, nil
}

// Decode parses data produced by Encode. Unknown fields are skipped.
func (ProtoCodec) Decode(data []byte) (Frame, error) {
	var f Frame
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == frameKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.Kind = Kind(v)
			return n, nil
		case num == frameEntity && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.EntityID = v
			return n, nil
		case num == frameWelcome && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			w, err := decodeWelcome(v)
			f.Welcome = &w
			return n, err
		case num == frameCommand && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			cmd, err := decodeCommand(v)
			f.Command = &cmd
			return n, err
		case num == frameSnapshot && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			snap, err := decodeSnapshot(v)
			f.Snapshot = &snap
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return Frame{}, err
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// walk iterates the fields of a message. visit returns the bytes it consumed, or -1 to have
// the field skipped as unknown.
func walk(data []byte, visit func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("wire: tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		used, err := visit(num, typ, data)
		if err != nil {
			return err
		}
		if used == -1 {
			used = protowire.ConsumeFieldValue(num, typ, data)
		}
		if used < 0 {
			return fmt.Errorf("wire: field %d: %w", num, protowire.ParseError(used))
		}
		data = data[used:]
	}
	return nil
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendUvarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func consumeDouble(typ protowire.Type, b []byte, dst *float64) int {
	if typ != protowire.Fixed64Type {
		return -1
	}
	v, n := protowire.ConsumeFixed64(b)
	if n >= 0 {
		*dst = math.Float64frombits(v)
	}
	return n
}

func consumeUvarint(typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return -1
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func appendWelcome(b []byte, w Welcome) []byte {
	if w.EntityID != "" {
		b = protowire.AppendTag(b, welcomeEntity, protowire.BytesType)
		b = protowire.AppendString(b, w.EntityID)
	}
	b = appendDouble(b, welcomeTickRate, w.TickRateHz)
	b = appendDouble(b, welcomeSnapRate, w.SnapshotRateHz)
	b = protowire.AppendTag(b, welcomeSpawn, protowire.BytesType)
	return protowire.AppendBytes(b, appendState(nil, w.Spawn))
}

func decodeWelcome(data []byte) (Welcome, error) {
	var w Welcome
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case welcomeEntity:
			if typ != protowire.BytesType {
				return -1, nil
			}
			v, n := protowire.ConsumeString(b)
			w.EntityID = v
			return n, nil
		case welcomeTickRate:
			return consumeDouble(typ, b, &w.TickRateHz), nil
		case welcomeSnapRate:
			return consumeDouble(typ, b, &w.SnapshotRateHz), nil
		case welcomeSpawn:
			if typ != protowire.BytesType {
				return -1, nil
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			state, err := decodeState(v)
			w.Spawn = state
			return n, err
		}
		return -1, nil
	})
	return w, err
}

func appendCommand(b []byte, cmd movement.Command) []byte {
	b = appendUvarint(b, commandSequence, cmd.Sequence)
	b = appendDouble(b, commandMoveX, cmd.Move.X())
	b = appendDouble(b, commandMoveY, cmd.Move.Y())
	b = appendDouble(b, commandLookX, cmd.Look.X())
	b = appendDouble(b, commandLookY, cmd.Look.Y())
	if cmd.Sprint {
		b = protowire.AppendTag(b, commandSprint, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func decodeCommand(data []byte) (movement.Command, error) {
	var cmd movement.Command
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case commandSequence:
			return consumeUvarint(typ, b, &cmd.Sequence), nil
		case commandMoveX:
			return consumeDouble(typ, b, &cmd.Move[0]), nil
		case commandMoveY:
			return consumeDouble(typ, b, &cmd.Move[1]), nil
		case commandLookX:
			return consumeDouble(typ, b, &cmd.Look[0]), nil
		case commandLookY:
			return consumeDouble(typ, b, &cmd.Look[1]), nil
		case commandSprint:
			var v uint64
			n := consumeUvarint(typ, b, &v)
			cmd.Sprint = protowire.DecodeBool(v)
			return n, nil
		}
		return -1, nil
	})
	return cmd, err
}

func appendSnapshot(b []byte, snap movement.Snapshot) []byte {
	b = appendUvarint(b, snapshotSequence, snap.Sequence)
	b = appendUvarint(b, snapshotAck, snap.AckCommand)
	b = protowire.AppendTag(b, snapshotState, protowire.BytesType)
	return protowire.AppendBytes(b, appendState(nil, snap.State))
}

func decodeSnapshot(data []byte) (movement.Snapshot, error) {
	var snap movement.Snapshot
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case snapshotSequence:
			return consumeUvarint(typ, b, &snap.Sequence), nil
		case snapshotAck:
			return consumeUvarint(typ, b, &snap.AckCommand), nil
		case snapshotState:
			if typ != protowire.BytesType {
				return -1, nil
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			state, err := decodeState(v)
			snap.State = state
			return n, err
		}
		return -1, nil
	})
	return snap, err
}

func appendState(b []byte, s movement.State) []byte {
	b = appendDouble(b, statePosX, s.Position.X())
	b = appendDouble(b, statePosY, s.Position.Y())
	b = appendDouble(b, statePosZ, s.Position.Z())
	b = appendDouble(b, stateRotW, s.Rotation.W)
	b = appendDouble(b, stateRotX, s.Rotation.V.X())
	b = appendDouble(b, stateRotY, s.Rotation.V.Y())
	b = appendDouble(b, stateRotZ, s.Rotation.V.Z())
	b = appendDouble(b, stateVelX, s.LinearVelocity.X())
	b = appendDouble(b, stateVelY, s.LinearVelocity.Y())
	return appendDouble(b, stateVelZ, s.LinearVelocity.Z())
}

func decodeState(data []byte) (movement.State, error) {
	var (
		pos, vel mgl64.Vec3
		rot      mgl64.Quat
	)
	targets := map[protowire.Number]*float64{
		statePosX: &pos[0], statePosY: &pos[1], statePosZ: &pos[2],
		stateRotW: &rot.W, stateRotX: &rot.V[0], stateRotY: &rot.V[1], stateRotZ: &rot.V[2],
		stateVelX: &vel[0], stateVelY: &vel[1], stateVelZ: &vel[2],
	}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if dst, ok := targets[num]; ok {
			return consumeDouble(typ, b, dst), nil
		}
		return -1, nil
	})
	return movement.State{Position: pos, Rotation: rot, LinearVelocity: vel}, err
}
