// Package codec protects payload bytes with Reed-Solomon parity so that
// bit corruption is detected on read and repaired when it falls within
// the configured correction bound.
package codec

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/reedsolomon"
)

// ErrUnrecoverable indicates corruption beyond the parity correction bound.
// It is never silently passed through: callers purge the record and surface
// the failure.
var ErrUnrecoverable = errors.New("corruption beyond correction bound")

// ErrInvalidTag indicates a redundancy tag that fails structural validation.
var ErrInvalidTag = errors.New("invalid redundancy tag")

// dataShards is fixed; the redundancy ratio scales the parity count.
const dataShards = 8

// Codec encodes payloads into a redundancy Tag and verifies/repairs them
// on read. Encode and VerifyRepair are pure over their inputs.
type Codec struct {
	enc          reedsolomon.Encoder
	parityShards int
}

// New creates a Codec. ratio is parity bytes relative to payload bytes;
// a ratio of 0.25 yields 2 parity shards over 8 data shards, tolerating
// loss of any 2 shards.
func New(ratio float64) (*Codec, error) {
	if ratio <= 0 || ratio > 1 {
		return nil, fmt.Errorf("redundancy ratio %v out of range (0, 1]", ratio)
	}
	parity := int(float64(dataShards)*ratio + 0.5)
	if parity < 1 {
		parity = 1
	}
	enc, err := reedsolomon.New(dataShards, parity)
	if err != nil {
		return nil, fmt.Errorf("reed-solomon init: %w", err)
	}
	return &Codec{enc: enc, parityShards: parity}, nil
}

// ParityShards returns the configured parity shard count.
func (c *Codec) ParityShards() int { return c.parityShards }

// Encode computes the redundancy tag for payload. The payload itself is
// not modified; the tag carries parity shards plus per-shard and whole
// payload checksums used to locate corruption.
func (c *Codec) Encode(payload []byte) (Tag, error) {
	shardSize := (len(payload) + dataShards - 1) / dataShards
	if shardSize == 0 {
		shardSize = 1
	}

	shards := make([][]byte, dataShards+c.parityShards)
	for i := 0; i < dataShards; i++ {
		shards[i] = make([]byte, shardSize)
		lo := i * shardSize
		if lo < len(payload) {
			copy(shards[i], payload[lo:])
		}
	}
	for i := dataShards; i < len(shards); i++ {
		shards[i] = make([]byte, shardSize)
	}

	if err := c.enc.Encode(shards); err != nil {
		return Tag{}, fmt.Errorf("encode parity: %w", err)
	}

	tag := Tag{
		DataShards:   dataShards,
		ParityShards: c.parityShards,
		ShardSize:    shardSize,
		PayloadLen:   len(payload),
		Checksum:     crc32.ChecksumIEEE(payload),
		ShardSums:    make([]uint32, len(shards)),
		Parity:       shards[dataShards:],
	}
	for i, s := range shards {
		tag.ShardSums[i] = crc32.ChecksumIEEE(s)
	}
	return tag, nil
}

// VerifyRepair checks payload against tag. A clean payload is returned
// unchanged. Corrupted shards are located via the per-shard checksums and
// reconstructed from parity when their count is within the correction
// bound; beyond it, ErrUnrecoverable is returned.
func (c *Codec) VerifyRepair(payload []byte, tag Tag) ([]byte, error) {
	if err := tag.validate(); err != nil {
		return nil, err
	}
	if tag.PayloadLen != len(payload) {
		// Length drift means the data shards cannot be rebuilt reliably.
		return nil, fmt.Errorf("payload length %d, tag expects %d: %w",
			len(payload), tag.PayloadLen, ErrUnrecoverable)
	}
	if crc32.ChecksumIEEE(payload) == tag.Checksum {
		return payload, nil
	}

	enc, err := c.encoderFor(tag)
	if err != nil {
		return nil, err
	}

	// Rebuild the shard layout and nil out every shard whose checksum no
	// longer matches so reconstruction treats it as missing.
	shards := make([][]byte, tag.DataShards+tag.ParityShards)
	bad := 0
	for i := 0; i < tag.DataShards; i++ {
		s := make([]byte, tag.ShardSize)
		lo := i * tag.ShardSize
		if lo < len(payload) {
			copy(s, payload[lo:])
		}
		if crc32.ChecksumIEEE(s) != tag.ShardSums[i] {
			bad++
			continue
		}
		shards[i] = s
	}
	for i, p := range tag.Parity {
		idx := tag.DataShards + i
		if crc32.ChecksumIEEE(p) != tag.ShardSums[idx] {
			bad++
			continue
		}
		shards[idx] = append([]byte(nil), p...)
	}

	if bad > tag.ParityShards {
		return nil, fmt.Errorf("%d corrupt shards, parity covers %d: %w",
			bad, tag.ParityShards, ErrUnrecoverable)
	}

	if err := enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("reconstruct: %w", ErrUnrecoverable)
	}

	repaired := make([]byte, 0, tag.DataShards*tag.ShardSize)
	for i := 0; i < tag.DataShards; i++ {
		repaired = append(repaired, shards[i]...)
	}
	repaired = repaired[:tag.PayloadLen]

	if crc32.ChecksumIEEE(repaired) != tag.Checksum {
		return nil, fmt.Errorf("checksum mismatch after repair: %w", ErrUnrecoverable)
	}
	return repaired, nil
}

// encoderFor returns an encoder matching the tag's geometry, reusing the
// codec's own when it fits. Tags are self-describing so records written
// under a different redundancy ratio stay readable.
func (c *Codec) encoderFor(tag Tag) (reedsolomon.Encoder, error) {
	if tag.DataShards == dataShards && tag.ParityShards == c.parityShards {
		return c.enc, nil
	}
	enc, err := reedsolomon.New(tag.DataShards, tag.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("reed-solomon for tag geometry: %w", err)
	}
	return enc, nil
}
