package demux

import (
	"bytes"
	"testing"
)

func a53Payload(cc ...byte) []byte {
	p := []byte{0xB5, 0x00, 0x31, 'G', 'A', '9', '4', 0x03, 0x40 | byte(len(cc)/3), 0xFF}
	p = append(p, cc...)
	return append(p, 0xFF)
}

func TestParseSEIMessages(t *testing.T) {
	t.Parallel()
	nal := []byte{0x06, 0x01, 0x02, 0xAA, 0xBB, 0x05, 0x01, 0xCC, 0x80}

	msgs := ParseSEIMessages(nal, 1)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].PayloadType != SEIPicTiming || !bytes.Equal(msgs[0].Payload, []byte{0xAA, 0xBB}) {
		t.Errorf("message 0: got %d %x", msgs[0].PayloadType, msgs[0].Payload)
	}
	if msgs[1].PayloadType != SEIUserDataUnreg || !bytes.Equal(msgs[1].Payload, []byte{0xCC}) {
		t.Errorf("message 1: got %d %x", msgs[1].PayloadType, msgs[1].Payload)
	}
}

func TestParseSEIMessagesOverrun(t *testing.T) {
	t.Parallel()
	nal := []byte{0x06, 0x04, 0x10, 0x01, 0x02}

	if msgs := ParseSEIMessages(nal, 1); len(msgs) != 0 {
		t.Errorf("expected no messages, got %d", len(msgs))
	}
	if msgs := ParseSEIMessages([]byte{0x4E, 0x01}, 2); msgs != nil {
		t.Errorf("expected nil for header-only NAL, got %d", len(msgs))
	}
}

func TestBuildSEIRoundTrip(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 300)
	payload[10], payload[11], payload[12] = 0x00, 0x00, 0x01

	nal := BuildSEI([]byte{0x4E, 0x01}, SEIMessage{PayloadType: SEIUserDataUnreg, Payload: payload})
	if bytes.Contains(nal[2:], []byte{0x00, 0x00, 0x01}) {
		t.Fatal("BuildSEI left a start code emulation in the payload")
	}

	msgs := ParseSEIMessages(nal, 2)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].PayloadType != SEIUserDataUnreg {
		t.Errorf("PayloadType: got %d, want %d", msgs[0].PayloadType, SEIUserDataUnreg)
	}
	if !bytes.Equal(msgs[0].Payload, payload) {
		t.Errorf("payload mismatch: got %d bytes, want %d", len(msgs[0].Payload), len(payload))
	}
}

func TestIsCaptionSEI(t *testing.T) {
	t.Parallel()
	captions := a53Payload(0xFC, 0x94, 0x2C)
	tests := []struct {
		name   string
		nal    []byte
		header int
		want   bool
	}{
		{"h264 a53", BuildSEI([]byte{0x06}, SEIMessage{SEIUserDataT35, captions}), 1, true},
		{"h265 a53", BuildSEI([]byte{0x4E, 0x01}, SEIMessage{SEIUserDataT35, captions}), 2, true},
		{"pic timing only", BuildSEI([]byte{0x06}, SEIMessage{SEIPicTiming, []byte{0x01}}), 1, false},
		{"wrong provider", BuildSEI([]byte{0x06}, SEIMessage{SEIUserDataT35, []byte{0xB5, 0x00, 0x2F, 'G', 'A', '9', '4', 0x03}}), 1, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsCaptionSEI(tt.nal, tt.header); got != tt.want {
				t.Errorf("IsCaptionSEI: got %v, want %v", got, tt.want)
			}
		})
	}
}
