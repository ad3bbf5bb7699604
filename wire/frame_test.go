package wire

import (
	"testing"

	"github.com/nimbusmq/mediadriver/logbuffer"
)

func TestSetupRoundTrip(t *testing.T) {
	buf := make([]byte, logbuffer.HeaderLength+64)
	want := Setup{
		TermOffset:    128,
		SessionID:     7,
		StreamID:      9,
		InitialTermID: 1,
		ActiveTermID:  3,
		TermLength:    64 * 1024,
		MtuLength:     1408,
		TTL:           4,
	}
	if err := EncodeSetup(buf, want); err != nil {
		t.Fatalf("EncodeSetup: %v", err)
	}
	got, err := DecodeSetup(buf)
	if err != nil {
		t.Fatalf("DecodeSetup: %v", err)
	}
	if got != want {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestStatusMessageRoundTrip(t *testing.T) {
	buf := make([]byte, logbuffer.HeaderLength+64)
	want := StatusMessage{
		SessionID:             1,
		StreamID:              2,
		ConsumptionTermID:     3,
		ConsumptionTermOffset: 4096,
		ReceiverWindow:        65536,
		ReceiverID:            99,
		HasGroupTag:           true,
		GroupTag:              42,
	}
	if err := EncodeStatusMessage(buf, want); err != nil {
		t.Fatalf("EncodeStatusMessage: %v", err)
	}
	got, err := DecodeStatusMessage(buf)
	if err != nil {
		t.Fatalf("DecodeStatusMessage: %v", err)
	}
	if got != want {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestStatusMessageWithoutGroupTag(t *testing.T) {
	buf := make([]byte, logbuffer.HeaderLength+64)
	want := StatusMessage{SessionID: 1, StreamID: 2, ReceiverID: 5}
	if err := EncodeStatusMessage(buf, want); err != nil {
		t.Fatalf("EncodeStatusMessage: %v", err)
	}
	got, err := DecodeStatusMessage(buf)
	if err != nil {
		t.Fatalf("DecodeStatusMessage: %v", err)
	}
	if got.HasGroupTag {
		t.Fatalf("expected HasGroupTag == false")
	}
}

func TestNAKRoundTrip(t *testing.T) {
	buf := make([]byte, logbuffer.HeaderLength+32)
	want := NAK{SessionID: 1, StreamID: 2, TermID: 3, TermOffset: 512, Length: 256}
	if err := EncodeNAK(buf, want); err != nil {
		t.Fatalf("EncodeNAK: %v", err)
	}
	got, err := DecodeNAK(buf)
	if err != nil {
		t.Fatalf("DecodeNAK: %v", err)
	}
	if got != want {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestRTTRoundTrip(t *testing.T) {
	buf := make([]byte, logbuffer.HeaderLength+32)
	want := RTT{SessionID: 1, StreamID: 2, EchoTimestampNs: 123456789, ReceptionDelayNs: 42, ReceiverID: 7, IsReply: true}
	if err := EncodeRTT(buf, want); err != nil {
		t.Fatalf("EncodeRTT: %v", err)
	}
	got, err := DecodeRTT(buf)
	if err != nil {
		t.Fatalf("DecodeRTT: %v", err)
	}
	if got != want {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestDecodeWrongTypeRejected(t *testing.T) {
	buf := make([]byte, logbuffer.HeaderLength+64)
	if err := EncodeNAK(buf, NAK{}); err != nil {
		t.Fatalf("EncodeNAK: %v", err)
	}
	if _, err := DecodeSetup(buf); err == nil {
		t.Fatalf("expected error decoding NAK frame as SETUP")
	}
}
