// Package fec implements the optional forward-error-correction extension
// (protocol.ExtensionFEC, id 2): Reed-Solomon parity over groups of
// consecutive outbound DATA packets, adapted from the teacher's
// internal/quantum/fec/fec.go Encoder/Decoder. Parity packets carry no
// payload of their own — only a FEC extension TLV — so the wire format's
// closed packet-type enum is untouched; a receiver missing one data
// packet from a group can reconstruct it once enough of the group, data
// or parity, has arrived.
package fec

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"
)

const (
	// DefaultDataShards groups this many consecutive DATA packets per
	// FEC round.
	DefaultDataShards = 10
	// DefaultParityShards is how many parity packets each group produces.
	DefaultParityShards = 3
)

// Config configures an Encoder/Decoder pair.
type Config struct {
	DataShards   int
	ParityShards int
}

// DefaultConfig returns the teacher's default shard counts.
func DefaultConfig() *Config {
	return &Config{DataShards: DefaultDataShards, ParityShards: DefaultParityShards}
}

// ShardHeader is the fixed-size prefix of a FEC extension payload,
// identifying which group and shard slot the payload belongs to.
type ShardHeader struct {
	GroupID    uint32
	ShardIndex uint8
	IsParity   bool
}

const shardHeaderSize = 6

// EncodeShardPayload prepends a ShardHeader to a shard's bytes, producing
// the bytes that go in a protocol.Extension{ID: protocol.ExtensionFEC}.
func EncodeShardPayload(h ShardHeader, shard []byte) []byte {
	buf := make([]byte, shardHeaderSize+len(shard))
	binary.BigEndian.PutUint32(buf[0:4], h.GroupID)
	buf[4] = h.ShardIndex
	if h.IsParity {
		buf[5] = 1
	}
	copy(buf[shardHeaderSize:], shard)
	return buf
}

// DecodeShardPayload splits a FEC extension payload back into its header
// and shard bytes.
func DecodeShardPayload(payload []byte) (ShardHeader, []byte, error) {
	if len(payload) < shardHeaderSize {
		return ShardHeader{}, nil, fmt.Errorf("fec: truncated shard payload")
	}
	h := ShardHeader{
		GroupID:    binary.BigEndian.Uint32(payload[0:4]),
		ShardIndex: payload[4],
		IsParity:   payload[5] != 0,
	}
	return h, payload[shardHeaderSize:], nil
}

// Encoder accumulates outbound DATA payloads into groups and produces
// parity shards once a group fills, mirroring the teacher's
// fec.Encoder.AddData state machine.
type Encoder struct {
	mu sync.Mutex

	dataShards   int
	parityShards int
	encoder      reedsolomon.Encoder

	current *encodingGroup
	groupID uint32
}

type encodingGroup struct {
	id         uint32
	dataShards [][]byte
	count      int
}

// NewEncoder creates an Encoder from config, or DefaultConfig() if nil.
func NewEncoder(config *Config) (*Encoder, error) {
	if config == nil {
		config = DefaultConfig()
	}
	enc, err := reedsolomon.New(config.DataShards, config.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: new encoder: %w", err)
	}
	return &Encoder{
		dataShards:   config.DataShards,
		parityShards: config.ParityShards,
		encoder:      enc,
		groupID:      1,
	}, nil
}

// AddData feeds one outbound DATA packet's payload into the current
// group. Once the group reaches DataShards packets it returns the
// group's id and parity shards to attach as extra DATA packets carrying
// only a FEC extension; otherwise parity is nil.
func (e *Encoder) AddData(payload []byte) (groupID uint32, parity [][]byte, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		e.current = &encodingGroup{id: e.groupID, dataShards: make([][]byte, e.dataShards)}
		e.groupID++
	}

	cp := append([]byte(nil), payload...)
	e.current.dataShards[e.current.count] = cp
	e.current.count++

	if e.current.count < e.dataShards {
		return 0, nil, nil
	}

	group := e.current
	e.current = nil

	maxLen := 0
	for _, s := range group.dataShards {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	for i := range group.dataShards {
		if len(group.dataShards[i]) < maxLen {
			padded := make([]byte, maxLen)
			copy(padded, group.dataShards[i])
			group.dataShards[i] = padded
		}
	}

	parityShards := make([][]byte, e.parityShards)
	for i := range parityShards {
		parityShards[i] = make([]byte, maxLen)
	}
	all := append(append([][]byte{}, group.dataShards...), parityShards...)
	if err := e.encoder.Encode(all); err != nil {
		return 0, nil, fmt.Errorf("fec: encode group %d: %w", group.id, err)
	}
	return group.id, all[e.dataShards:], nil
}

// Decoder reassembles groups from whichever shards, data or parity,
// arrive and reconstructs missing data shards once enough have arrived.
type Decoder struct {
	mu sync.Mutex

	dataShards   int
	parityShards int
	encoder      reedsolomon.Encoder

	groups map[uint32]*decodingGroup
}

type decodingGroup struct {
	dataShards   [][]byte
	parityShards [][]byte
	received     int
	complete     bool
}

// NewDecoder creates a Decoder from config, or DefaultConfig() if nil.
func NewDecoder(config *Config) (*Decoder, error) {
	if config == nil {
		config = DefaultConfig()
	}
	enc, err := reedsolomon.New(config.DataShards, config.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: new decoder: %w", err)
	}
	return &Decoder{
		dataShards:   config.DataShards,
		parityShards: config.ParityShards,
		encoder:      enc,
		groups:       make(map[uint32]*decodingGroup),
	}, nil
}

// AddShard feeds one received FEC-extension shard into its group. Once
// DataShards distinct shards (data or parity) of the group have arrived
// it reconstructs and returns every data shard in order; otherwise nil.
func (d *Decoder) AddShard(h ShardHeader, shard []byte) ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.groups[h.GroupID]
	if !ok {
		g = &decodingGroup{
			dataShards:   make([][]byte, d.dataShards),
			parityShards: make([][]byte, d.parityShards),
		}
		d.groups[h.GroupID] = g
	}
	if g.complete {
		return nil, nil
	}

	cp := append([]byte(nil), shard...)
	var alreadyHave bool
	if h.IsParity {
		alreadyHave = g.parityShards[h.ShardIndex] != nil
		g.parityShards[h.ShardIndex] = cp
	} else {
		alreadyHave = g.dataShards[h.ShardIndex] != nil
		g.dataShards[h.ShardIndex] = cp
	}
	if !alreadyHave {
		g.received++
	}

	if g.received < d.dataShards {
		return nil, nil
	}

	all := make([][]byte, d.dataShards+d.parityShards)
	copy(all, g.dataShards)
	copy(all[d.dataShards:], g.parityShards)
	if err := d.encoder.Reconstruct(all); err != nil {
		return nil, fmt.Errorf("fec: reconstruct group %d: %w", h.GroupID, err)
	}
	g.complete = true
	delete(d.groups, h.GroupID)
	return all[:d.dataShards], nil
}

// CleanupStaleGroups drops decoding groups whose id is older than
// olderThan, bounding memory when a group never completes because too
// many shards of it were lost.
func (d *Decoder) CleanupStaleGroups(olderThan uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.groups {
		if id < olderThan {
			delete(d.groups, id)
		}
	}
}
