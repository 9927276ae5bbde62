package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/engramd/engram/internal/codec"
)

// Stage identifies the processing tier a record currently lives in.
// Promotion is monotonic: Working -> Consolidated -> Archive.
type Stage string

const (
	StageWorking      Stage = "working"
	StageConsolidated Stage = "consolidated"
	StageArchive      Stage = "archive"
)

// Next returns the stage a record promotes into, and false for the
// terminal stage.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageWorking:
		return StageConsolidated, true
	case StageConsolidated:
		return StageArchive, true
	default:
		return "", false
	}
}

// Valid reports whether s is one of the three known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageWorking, StageConsolidated, StageArchive:
		return true
	}
	return false
}

// ParseStage converts a stored stage string back into a Stage.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}

// Record is the fundamental unit of memory. Payload is opaque to the
// engine; if Sensitive is set it is always envelope-wrapped. Tag is the
// redundancy data for the current payload bytes and is recomputed whenever
// the payload changes.
type Record struct {
	ID    string
	Owner string
	Stage Stage

	Sensitive bool

	// Compressed marks the payload as an LZ4 block, applied when a
	// record enters the Archive stage. OriginalLen is the byte count
	// before compression; zero when uncompressed.
	Compressed  bool
	OriginalLen int

	Weight         int
	Payload        []byte
	Tag            codec.Tag
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
}

// New creates a Working-stage record with a fresh globally unique ID.
func New(owner string, payload []byte, sensitive bool, weight int) *Record {
	now := time.Now()
	return &Record{
		ID:             uuid.NewString(),
		Owner:          owner,
		Stage:          StageWorking,
		Sensitive:      sensitive,
		Weight:         weight,
		Payload:        payload,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
}

// Touch updates the access metadata for a read or write event.
func (r *Record) Touch() {
	r.LastAccessedAt = time.Now()
	r.AccessCount++
}

// Age returns the time elapsed since the record was created.
func (r *Record) Age() time.Duration {
	return time.Since(r.CreatedAt)
}

// Clone returns a deep copy. Stage stores hand out clones so callers can
// never mutate stored payload bytes in place.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Payload = append([]byte(nil), r.Payload...)
	cp.Tag = r.Tag.Clone()
	return &cp
}
