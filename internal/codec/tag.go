package codec

import (
	"encoding/binary"
	"fmt"
)

// tagVersion is bumped when the binary tag layout changes.
const tagVersion = 1

// Tag is the redundancy data computed for a payload: parity shards plus
// the checksums needed to locate corrupt shards on read. A stale tag is a
// correctness bug, so tags are recomputed whenever payload bytes change.
type Tag struct {
	DataShards   int
	ParityShards int
	ShardSize    int
	PayloadLen   int
	Checksum     uint32
	ShardSums    []uint32
	Parity       [][]byte
}

// Clone returns a deep copy of the tag.
func (t Tag) Clone() Tag {
	cp := t
	cp.ShardSums = append([]uint32(nil), t.ShardSums...)
	cp.Parity = make([][]byte, len(t.Parity))
	for i, p := range t.Parity {
		cp.Parity[i] = append([]byte(nil), p...)
	}
	return cp
}

func (t Tag) validate() error {
	if t.DataShards < 1 || t.ParityShards < 1 || t.ShardSize < 1 {
		return fmt.Errorf("shard geometry %d/%d/%d: %w",
			t.DataShards, t.ParityShards, t.ShardSize, ErrInvalidTag)
	}
	if len(t.ShardSums) != t.DataShards+t.ParityShards {
		return fmt.Errorf("%d shard sums for %d shards: %w",
			len(t.ShardSums), t.DataShards+t.ParityShards, ErrInvalidTag)
	}
	if len(t.Parity) != t.ParityShards {
		return fmt.Errorf("%d parity shards, want %d: %w",
			len(t.Parity), t.ParityShards, ErrInvalidTag)
	}
	for i, p := range t.Parity {
		if len(p) != t.ShardSize {
			return fmt.Errorf("parity shard %d is %d bytes, want %d: %w",
				i, len(p), t.ShardSize, ErrInvalidTag)
		}
	}
	if t.PayloadLen > t.DataShards*t.ShardSize {
		return fmt.Errorf("payload length %d exceeds shard capacity: %w",
			t.PayloadLen, ErrInvalidTag)
	}
	return nil
}

// MarshalBinary serializes the tag for durable storage.
func (t Tag) MarshalBinary() ([]byte, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	total := len(t.ShardSums)
	size := 1 + 1 + 1 + 4 + 4 + 4 + 4*total + t.ParityShards*t.ShardSize
	buf := make([]byte, 0, size)
	buf = append(buf, tagVersion, byte(t.DataShards), byte(t.ParityShards))
	buf = binary.BigEndian.AppendUint32(buf, uint32(t.ShardSize))
	buf = binary.BigEndian.AppendUint32(buf, uint32(t.PayloadLen))
	buf = binary.BigEndian.AppendUint32(buf, t.Checksum)
	for _, s := range t.ShardSums {
		buf = binary.BigEndian.AppendUint32(buf, s)
	}
	for _, p := range t.Parity {
		buf = append(buf, p...)
	}
	return buf, nil
}

// UnmarshalBinary restores a tag written by MarshalBinary.
func (t *Tag) UnmarshalBinary(data []byte) error {
	if len(data) < 15 {
		return fmt.Errorf("tag truncated at %d bytes: %w", len(data), ErrInvalidTag)
	}
	if data[0] != tagVersion {
		return fmt.Errorf("tag version %d: %w", data[0], ErrInvalidTag)
	}
	t.DataShards = int(data[1])
	t.ParityShards = int(data[2])
	t.ShardSize = int(binary.BigEndian.Uint32(data[3:7]))
	t.PayloadLen = int(binary.BigEndian.Uint32(data[7:11]))
	t.Checksum = binary.BigEndian.Uint32(data[11:15])

	total := t.DataShards + t.ParityShards
	want := 15 + 4*total + t.ParityShards*t.ShardSize
	if t.DataShards < 1 || t.ParityShards < 1 || t.ShardSize < 1 || len(data) != want {
		return fmt.Errorf("tag is %d bytes, want %d: %w", len(data), want, ErrInvalidTag)
	}

	off := 15
	t.ShardSums = make([]uint32, total)
	for i := range t.ShardSums {
		t.ShardSums[i] = binary.BigEndian.Uint32(data[off : off+4])
		off += 4
	}
	t.Parity = make([][]byte, t.ParityShards)
	for i := range t.Parity {
		t.Parity[i] = append([]byte(nil), data[off:off+t.ShardSize]...)
		off += t.ShardSize
	}
	return t.validate()
}
