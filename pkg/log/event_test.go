package log

import (
	"testing"

	"github.com/google/uuid"

	"github.com/newtricks/courage-go/pkg/wire"
)

func TestDirectionString(t *testing.T) {
	tests := []struct {
		dir  Direction
		want string
	}{
		{DirectionIn, "IN"},
		{DirectionOut, "OUT"},
		{Direction(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		got := tt.dir.String()
		if got != tt.want {
			t.Errorf("Direction(%d).String() = %q, want %q", tt.dir, got, tt.want)
		}
	}
}

func TestLayerString(t *testing.T) {
	tests := []struct {
		layer Layer
		want  string
	}{
		{LayerTransport, "TRANSPORT"},
		{LayerWire, "WIRE"},
		{LayerClient, "CLIENT"},
		{Layer(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		got := tt.layer.String()
		if got != tt.want {
			t.Errorf("Layer(%d).String() = %q, want %q", tt.layer, got, tt.want)
		}
	}
}

func TestCategoryAndEntityString(t *testing.T) {
	if got := CategoryState.String(); got != "STATE" {
		t.Errorf("CategoryState.String() = %q", got)
	}
	if got := Category(1).String(); got != "UNKNOWN" {
		t.Errorf("Category(1).String() = %q", got)
	}
	if got := StateEntityReplay.String(); got != "REPLAY" {
		t.Errorf("StateEntityReplay.String() = %q", got)
	}
}

func TestNewMessageEvent(t *testing.T) {
	ch := uuid.MustParse("11111111-1111-1111-1111-111111111111")

	ev := NewMessageEvent(wire.Message{Kind: wire.KindSubscribe, ChannelID: ch, Options: wire.OptionReplayOnly}, 0x02)
	if ev.Kind != "SUBSCRIBE" || ev.Opcode != 0x02 {
		t.Errorf("kind/opcode = %s/%#x", ev.Kind, ev.Opcode)
	}
	if ev.ChannelID != ch.String() {
		t.Errorf("ChannelID = %q", ev.ChannelID)
	}
	if ev.Options != "replay,replay-only" {
		t.Errorf("Options = %q", ev.Options)
	}

	ev = NewMessageEvent(wire.Message{Kind: wire.KindEvent, ChannelID: ch, Payload: []byte("A1")}, 0x84)
	if ev.PayloadSize != 2 {
		t.Errorf("PayloadSize = %d, want 2", ev.PayloadSize)
	}

	ev = NewMessageEvent(wire.Message{Kind: wire.KindAuthenticate, Credentials: &wire.Credentials{PrivateKey: "secret"}}, 0x01)
	if ev.ChannelID != "" || ev.Reason != "" {
		t.Errorf("authenticate event leaked fields: %+v", ev)
	}
}
