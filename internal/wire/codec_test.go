package wire

import (
	"errors"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"google.golang.org/protobuf/encoding/protowire"

	"driftpursuit/movesync/internal/movement"
	"driftpursuit/movesync/internal/physics"
)

func sampleFrames() []Frame {
	state := movement.State{
		Position:       mgl64.Vec3{1.5, 0, -3.25},
		Rotation:       physics.YawRotation(37),
		LinearVelocity: mgl64.Vec3{0.1, 0, 2.5},
	}
	return []Frame{
		WelcomeFrame(Welcome{EntityID: "pilot-7", TickRateHz: 50, SnapshotRateHz: 20, Spawn: state}),
		CommandFrame("pilot-7", movement.Command{Sequence: 912, Move: mgl64.Vec2{0.6, -0.8}, Look: mgl64.Vec2{3.5, -1}, Sprint: true}),
		SnapshotFrame("pilot-7", movement.Snapshot{Sequence: 44, AckCommand: 910, State: state}),
	}
}

func TestCodecsPreserveFrames(t *testing.T) {
	for _, codec := range []Codec{ProtoCodec{}, MsgpackCodec{}} {
		for _, frame := range sampleFrames() {
			data, err := codec.Encode(frame)
			if err != nil {
				t.Fatalf("%s encode %v: %v", codec.Name(), frame.Kind, err)
			}
			got, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("%s decode %v: %v", codec.Name(), frame.Kind, err)
			}
			if got.Kind != frame.Kind || got.EntityID != frame.EntityID {
				t.Fatalf("%s: envelope mismatch %+v", codec.Name(), got)
			}
			switch frame.Kind {
			case KindWelcome:
				if *got.Welcome != *frame.Welcome {
					t.Fatalf("%s: welcome mismatch %+v != %+v", codec.Name(), *got.Welcome, *frame.Welcome)
				}
			case KindCommand:
				if *got.Command != *frame.Command {
					t.Fatalf("%s: command mismatch %+v", codec.Name(), *got.Command)
				}
			case KindSnapshot:
				if *got.Snapshot != *frame.Snapshot {
					t.Fatalf("%s: snapshot mismatch %+v", codec.Name(), *got.Snapshot)
				}
			}
		}
	}
}

func TestProtoCodecSkipsUnknownFields(t *testing.T) {
	data, err := ProtoCodec{}.Encode(CommandFrame("e", movement.Command{Sequence: 3}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	//1.- A newer peer may append fields this build does not know about.
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "future")

	got, err := ProtoCodec{}.Decode(data)
	if err != nil {
		t.Fatalf("decode with unknown field: %v", err)
	}
	if got.Command.Sequence != 3 {
		t.Fatalf("unexpected command %+v", got.Command)
	}
}

func TestProtoCodecRejectsTruncatedInput(t *testing.T) {
	data, _ := ProtoCodec{}.Encode(sampleFrames()[2])
	if _, err := (ProtoCodec{}).Decode(data[:len(data)-3]); err == nil {
		t.Fatalf("expected truncated frame to fail")
	}
}

func TestEncodeRejectsMismatchedPayload(t *testing.T) {
	for _, codec := range []Codec{ProtoCodec{}, MsgpackCodec{}} {
		if _, err := codec.Encode(Frame{Kind: KindSnapshot}); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("%s: expected ErrMalformedFrame, got %v", codec.Name(), err)
		}
	}
}

func TestByName(t *testing.T) {
	if c, err := ByName("msgpack"); err != nil || c.Name() != "msgpack" {
		t.Fatalf("unexpected msgpack lookup %v %v", c, err)
	}
	if c, err := ByName(""); err != nil || c.Name() != "proto" {
		t.Fatalf("unexpected default lookup %v %v", c, err)
	}
	if _, err := ByName("xml"); !errors.Is(err, ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
}
