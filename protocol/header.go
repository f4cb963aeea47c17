// Package protocol implements the Quantum wire header: the fixed 20-byte
// base header plus the chained extension TLVs that precede user payload,
// adapted from the teacher's internal/quantum/protocol/header.go codec but
// re-shaped for this wire format: 16-bit connection/sequence/ack fields
// instead of a 128-bit GUUID, and an explicit extension chain instead of
// a flat SACK slice.
//
// Multi-byte fields are written in network byte order. The uTP family this
// protocol descends from historically used the host's native byte order,
// which breaks interop across endianness; per the open question in the
// originating design this port fixes that and uses big-endian throughout,
// documenting the break rather than reproducing the bug.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Type is the packet type carried in the high nibble of the first header byte.
type Type uint8

const (
	TypeData  Type = 0
	TypeFin   Type = 1
	TypeState Type = 2
	TypeReset Type = 3
	TypeSyn   Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeFin:
		return "FIN"
	case TypeState:
		return "STATE"
	case TypeReset:
		return "RESET"
	case TypeSyn:
		return "SYN"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is one of the five recognized packet types.
func (t Type) Valid() bool {
	return t <= TypeSyn
}

const (
	// CurrentVersion is the only protocol version accepted.
	CurrentVersion uint8 = 1

	// HeaderSize is the fixed base header length, in bytes.
	HeaderSize = 20

	// ExtensionNone marks the end of the extension chain.
	ExtensionNone uint8 = 0
	// ExtensionSACK identifies the selective-ack extension.
	ExtensionSACK uint8 = 1
	// ExtensionFEC identifies the optional forward-error-correction
	// extension (domain-stack addition, see fec package).
	ExtensionFEC uint8 = 2

	// UDPIPv4MTU folds several tunneling overheads (GRE, PPPoE, MPPE,
	// fudge) into a conservative fixed MTU; MaxPacketPayload is what's
	// left for a single packet's payload after the base header. A modern
	// deployment should expose the effective MTU as a config knob rather
	// than hardcoding this.
	UDPIPv4MTU       = 1500 - 20 - 8 - 24 - 8 - 2 - 36
	MaxPacketPayload = UDPIPv4MTU - HeaderSize
)

// Extension is one TLV in the chain prepended to the payload area:
// (next extension id, length, payload bytes...).
type Extension struct {
	ID      uint8
	Payload []byte
}

// Header is the decoded form of the 20-byte base header.
type Header struct {
	Version              uint8
	Type                 Type
	Extension            uint8 // id of the first extension, or ExtensionNone
	ConnID               uint16
	TimestampUs          uint32
	TimestampDiffUs      uint32
	Window               uint32
	SeqNr                uint16
	AckNr                uint16
}

// Encode writes the base header into buf[:HeaderSize]. buf must be at
// least HeaderSize bytes.
func (h *Header) Encode(buf []byte) {
	buf[0] = (h.Version & 0x0f) | (uint8(h.Type) << 4)
	buf[1] = h.Extension
	binary.BigEndian.PutUint16(buf[2:4], h.ConnID)
	binary.BigEndian.PutUint32(buf[4:8], h.TimestampUs)
	binary.BigEndian.PutUint32(buf[8:12], h.TimestampDiffUs)
	binary.BigEndian.PutUint32(buf[12:16], h.Window)
	binary.BigEndian.PutUint16(buf[16:18], h.SeqNr)
	binary.BigEndian.PutUint16(buf[18:20], h.AckNr)
}

// Decode parses the base header from buf. buf may be longer than
// HeaderSize (extensions and payload follow).
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("packet too small: need at least %d bytes, got %d", HeaderSize, len(buf))
	}
	h := Header{
		Version:         buf[0] & 0x0f,
		Type:            Type(buf[0] >> 4),
		Extension:       buf[1],
		ConnID:          binary.BigEndian.Uint16(buf[2:4]),
		TimestampUs:     binary.BigEndian.Uint32(buf[4:8]),
		TimestampDiffUs: binary.BigEndian.Uint32(buf[8:12]),
		Window:          binary.BigEndian.Uint32(buf[12:16]),
		SeqNr:           binary.BigEndian.Uint16(buf[16:18]),
		AckNr:           binary.BigEndian.Uint16(buf[18:20]),
	}
	if h.Version != CurrentVersion {
		return Header{}, fmt.Errorf("unsupported version: want %d, got %d", CurrentVersion, h.Version)
	}
	if !h.Type.Valid() {
		return Header{}, fmt.Errorf("unrecognized packet type %d", uint8(h.Type))
	}
	return h, nil
}

// EncodeExtensions serializes a chain of extensions, returning the bytes
// to splice between the base header and the user payload, and the id to
// store in Header.Extension (the first extension's id, or ExtensionNone).
func EncodeExtensions(exts []Extension) (firstID uint8, encoded []byte) {
	if len(exts) == 0 {
		return ExtensionNone, nil
	}
	firstID = exts[0].ID
	for i, e := range exts {
		next := uint8(ExtensionNone)
		if i+1 < len(exts) {
			next = exts[i+1].ID
		}
		hdr := [2]byte{next, uint8(len(e.Payload))}
		encoded = append(encoded, hdr[:]...)
		encoded = append(encoded, e.Payload...)
	}
	return firstID, encoded
}

// DecodeExtensions walks the chain starting at firstID, consuming
// (next_id, len, payload) TLVs from buf. Returns the extensions found and
// the number of bytes consumed from buf.
func DecodeExtensions(firstID uint8, buf []byte) (exts []Extension, consumed int, err error) {
	id := firstID
	for id != ExtensionNone {
		if consumed+2 > len(buf) {
			return nil, 0, fmt.Errorf("truncated extension header")
		}
		next := buf[consumed]
		length := int(buf[consumed+1])
		consumed += 2
		if consumed+length > len(buf) {
			return nil, 0, fmt.Errorf("truncated extension payload: need %d more bytes", length)
		}
		payload := make([]byte, length)
		copy(payload, buf[consumed:consumed+length])
		exts = append(exts, Extension{ID: id, Payload: payload})
		consumed += length
		id = next
	}
	return exts, consumed, nil
}
