package telegraph

import (
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msgs := []Message{
		{OperatingMode: "VClamp", Gain: 10, ExternalCommandSensitivity: 0.02},
		{OperatingMode: "IClamp", Gain: 1, ExternalCommandSensitivity: 2e-9},
		{OperatingMode: "I0", Gain: 0.5, ExternalCommandSensitivity: 0},
	}
	for _, msg := range msgs {
		wire, err := msg.Encode()
		if err != nil {
			t.Fatalf("%v: encode: %v", msg, err)
		}
		if wire[0] != frameStart || wire[len(wire)-1] != frameEnd {
			t.Fatalf("%v: frame not delimited: % x", msg, wire)
		}
		got, err := Decode(wire[1 : len(wire)-1])
		if err != nil {
			t.Fatalf("%v: decode: %v", msg, err)
		}
		if got != msg {
			t.Errorf("round trip gave %v, want %v", got, msg)
		}
	}
}

func TestDecodeRejectsCorruptCRC(t *testing.T) {
	msg := Message{OperatingMode: "VClamp", Gain: 10, ExternalCommandSensitivity: 0.02}
	wire, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	body := wire[1 : len(wire)-1]
	// flip a payload bit; escaped bytes sit at the edges so pick the middle
	body[len(body)/2] ^= 0x01
	if _, err := Decode(body); err == nil {
		t.Errorf("expected a corrupt frame to be rejected")
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("expected ErrShortFrame, got %v", err)
	}
}

func TestEncodeRejectsUnknownMode(t *testing.T) {
	msg := Message{OperatingMode: "Overdrive"}
	if _, err := msg.Encode(); !errors.Is(err, ErrBadMode) {
		t.Errorf("expected ErrBadMode, got %v", err)
	}
}

func TestSanitizeRoundTrip(t *testing.T) {
	raw := []byte{0x00, frameStart, 0x10, frameEnd, escape, 0xFF}
	clean := sanitize(raw)
	for _, b := range clean {
		if b == frameStart || b == frameEnd {
			t.Fatalf("sanitized payload still contains a frame delimiter: % x", clean)
		}
	}
	back := reverseSanitize(clean)
	if len(back) != len(raw) {
		t.Fatalf("round trip length %d, want %d", len(back), len(raw))
	}
	for i := range raw {
		if back[i] != raw[i] {
			t.Errorf("byte %d: got %x, want %x", i, back[i], raw[i])
		}
	}
}
