package protocol

import (
	"bytes"
	"testing"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{
		Version:         CurrentVersion,
		Type:            TypeData,
		Extension:       ExtensionNone,
		ConnID:          0x1234,
		TimestampUs:     123456,
		TimestampDiffUs: 789,
		Window:          65536,
		SeqNr:           10,
		AckNr:           9,
	}
	buf := make([]byte, HeaderSize)
	h.Encode(buf)

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if got != h {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	if _, err := Decode(make([]byte, HeaderSize-1)); err == nil {
		t.Error("expected error decoding undersized buffer")
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = 0x0f // version nibble 0xf, never valid
	if _, err := Decode(buf); err == nil {
		t.Error("expected error decoding unsupported version")
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = (uint8(0x0f) << 4) | CurrentVersion
	if _, err := Decode(buf); err == nil {
		t.Error("expected error decoding unrecognized type")
	}
}

func TestTypeAndVersionShareFirstByte(t *testing.T) {
	h := Header{Version: CurrentVersion, Type: TypeSyn}
	buf := make([]byte, HeaderSize)
	h.Encode(buf)
	if buf[0]>>4 != uint8(TypeSyn) {
		t.Errorf("type nibble = %x, want %x", buf[0]>>4, TypeSyn)
	}
	if buf[0]&0x0f != CurrentVersion {
		t.Errorf("version nibble = %x, want %x", buf[0]&0x0f, CurrentVersion)
	}
}

func TestExtensionChainRoundTrip(t *testing.T) {
	sack := Extension{ID: ExtensionSACK, Payload: []byte{0xff, 0x00, 0x01, 0x00}}
	fec := Extension{ID: ExtensionFEC, Payload: []byte{0x01, 0x02}}

	firstID, encoded := EncodeExtensions([]Extension{sack, fec})
	if firstID != ExtensionSACK {
		t.Fatalf("firstID = %d, want %d", firstID, ExtensionSACK)
	}

	payload := []byte("hello")
	full := append(encoded, payload...)

	gotExts, consumed, err := DecodeExtensions(firstID, full)
	if err != nil {
		t.Fatalf("DecodeExtensions returned error: %v", err)
	}
	if !bytes.Equal(full[consumed:], payload) {
		t.Errorf("payload after extensions = %q, want %q", full[consumed:], payload)
	}
	if len(gotExts) != 2 {
		t.Fatalf("got %d extensions, want 2", len(gotExts))
	}
	if gotExts[0].ID != ExtensionSACK || !bytes.Equal(gotExts[0].Payload, sack.Payload) {
		t.Errorf("extension 0 = %+v, want %+v", gotExts[0], sack)
	}
	if gotExts[1].ID != ExtensionFEC || !bytes.Equal(gotExts[1].Payload, fec.Payload) {
		t.Errorf("extension 1 = %+v, want %+v", gotExts[1], fec)
	}
}

func TestDecodeExtensionsEmptyChain(t *testing.T) {
	exts, consumed, err := DecodeExtensions(ExtensionNone, []byte("payload"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumed != 0 || len(exts) != 0 {
		t.Errorf("expected no extensions consumed, got consumed=%d exts=%v", consumed, exts)
	}
}

func TestDecodeExtensionsTruncated(t *testing.T) {
	if _, _, err := DecodeExtensions(ExtensionSACK, []byte{0x00}); err == nil {
		t.Error("expected error on truncated extension header")
	}
}
