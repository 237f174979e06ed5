package protocol

import (
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestDecodeSingleCommandMessage(t *testing.T) {
	b, err := EncodeCommand(7, 1, CmdPlayerJoined, JoinPayload{Nickname: "alice"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.ClientID != 7 || m.Seq != 1 {
		t.Fatalf("unexpected header id=%d seq=%d", m.ClientID, m.Seq)
	}
	if len(m.Cmds) != 1 || m.First().Cmd != CmdPlayerJoined {
		t.Fatalf("unexpected cmds %+v", m.Cmds)
	}
	join, err := DecodeData[JoinPayload](m.First())
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if join.Nickname != "alice" {
		t.Fatalf("expected nickname alice, got %q", join.Nickname)
	}
}

func TestDecodeCommandArray(t *testing.T) {
	msg := Message{
		ClientID: 3,
		Seq:      9,
		Cmds: Commands{
			MustCommand(CmdPlayerMove, MovePayload{X: 1, Y: 2}),
			MustCommand(CmdPlayerFire, FirePayload{Angle: 0.5}),
		},
	}
	b, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(m.Cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(m.Cmds))
	}
	if !m.Has(CmdPlayerFire) || m.Has(CmdEndGame) {
		t.Fatalf("Has reported wrong membership for %+v", m.Cmds)
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name  string
		value any
	}{
		{"no seq", map[string]any{"id": 1, "cmds": map[string]any{"cmd": 2, "data": map[string]any{}}}},
		{"no cmds", map[string]any{"id": 1, "seq": 4}},
		{"empty cmds", map[string]any{"id": 1, "seq": 4, "cmds": []any{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := msgpack.Marshal(tc.value)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if _, err := Decode(b); !errors.Is(err, ErrMissingField) {
				t.Fatalf("expected ErrMissingField, got %v", err)
			}
		})
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
	if _, err := Decode([]byte{0xc1, 0x00, 0x13}); err == nil {
		t.Fatalf("expected error for garbage bytes")
	}
}

func TestEncodeRequiresCommands(t *testing.T) {
	if _, err := Encode(Message{Seq: 1}); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestCommandString(t *testing.T) {
	if CmdFullUpdate.String() != "FULL_UPDATE" {
		t.Fatalf("unexpected name %q", CmdFullUpdate.String())
	}
	if Command(99).Known() {
		t.Fatalf("command 99 should be unknown")
	}
	if Command(99).String() != "CMD(99)" {
		t.Fatalf("unexpected name %q", Command(99).String())
	}
}
