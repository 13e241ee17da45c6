package wire

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/vmihailenco/msgpack/v5"

	"driftpursuit/movesync/internal/movement"
)

// MsgpackCodec encodes frames as compact msgpack maps with short keys.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

type mpState struct {
	Pos [3]float64 `msgpack:"p"`
	Rot [4]float64 `msgpack:"r"`
	Vel [3]float64 `msgpack:"v"`
}

type mpWelcome struct {
	Entity   string  `msgpack:"e,omitempty"`
	TickRate float64 `msgpack:"t,omitempty"`
	SnapRate float64 `msgpack:"s,omitempty"`
	Spawn    mpState `msgpack:"x"`
}

type mpCommand struct {
	Seq    uint64     `msgpack:"q"`
	Move   [2]float64 `msgpack:"m"`
	Look   [2]float64 `msgpack:"l"`
	Sprint bool       `msgpack:"s,omitempty"`
}

type mpSnapshot struct {
	Seq   uint64  `msgpack:"q"`
	Ack   uint64  `msgpack:"a"`
	State mpState `msgpack:"x"`
}

type mpFrame struct {
	Kind     uint8       `msgpack:"k"`
	Entity   string      `msgpack:"e,omitempty"`
	Welcome  *mpWelcome  `msgpack:"w,omitempty"`
	Command  *mpCommand  `msgpack:"c,omitempty"`
	Snapshot *mpSnapshot `msgpack:"s,omitempty"`
}

func toMPState(s movement.State) mpState {
	return mpState{
		Pos: s.Position,
		Rot: [4]float64{s.Rotation.W, s.Rotation.V[0], s.Rotation.V[1], s.Rotation.V[2]},
		Vel: s.LinearVelocity,
	}
}

func fromMPState(s mpState) movement.State {
	return movement.State{
		Position:       mgl64.Vec3(s.Pos),
		Rotation:       mgl64.Quat{W: s.Rot[0], V: mgl64.Vec3{s.Rot[1], s.Rot[2], s.Rot[3]}},
		LinearVelocity: mgl64.Vec3(s.Vel),
	}
}

// Encode serialises f.
func (MsgpackCodec) Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	out := mpFrame{Kind: uint8(f.Kind), Entity: f.EntityID}
	switch f.Kind {
	case KindWelcome:
		w := f.Welcome
		out.Welcome = &mpWelcome{Entity: w.EntityID, TickRate: w.TickRateHz, SnapRate: w.SnapshotRateHz, Spawn: toMPState(w.Spawn)}
	case KindCommand:
		c := f.Command
		out.Command = &mpCommand{Seq: c.Sequence, Move: c.Move, Look: c.Look, Sprint: c.Sprint}
	case KindSnapshot:
		s := f.Snapshot
		out.Snapshot = &mpSnapshot{Seq: s.Sequence, Ack: s.AckCommand, State: toMPState(s.State)}
	}
	data, err := msgpack.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("wire: msgpack encode: %w", err)
	}
	return data, nil
}

// Decode parses data produced by Encode.
func (MsgpackCodec) Decode(data []byte) (Frame, error) {
	var in mpFrame
	if err := msgpack.Unmarshal(data, &in); err != nil {
		return Frame{}, fmt.Errorf("wire: msgpack decode: %w", err)
	}
	f := Frame{Kind: Kind(in.Kind), EntityID: in.Entity}
	if w := in.Welcome; w != nil {
		f.Welcome = &Welcome{EntityID: w.Entity, TickRateHz: w.TickRate, SnapshotRateHz: w.SnapRate, Spawn: fromMPState(w.Spawn)}
	}
	if c := in.Command; c != nil {
		f.Command = &movement.Command{Sequence: c.Seq, Move: mgl64.Vec2(c.Move), Look: mgl64.Vec2(c.Look), Sprint: c.Sprint}
	}
	if s := in.Snapshot; s != nil {
		f.Snapshot = &movement.Snapshot{Sequence: s.Seq, AckCommand: s.Ack, State: fromMPState(s.State)}
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
