// Package stage defines the record container behind each processing tier.
// All three tiers share one contract; they differ only in configured
// capacity and promotion thresholds, and in whether they live in memory
// (Working) or in SQLite (Consolidated, Archive).
package stage

import (
	"time"

	"github.com/engramd/engram/internal/record"
)

// Config is the per-stage configuration fixed at system start.
type Config struct {
	Stage    record.Stage
	Capacity int

	// PromoteAfterAccess marks a record promotion-eligible once its access
	// count reaches this value. Zero disables the access criterion.
	PromoteAfterAccess int

	// PromoteAfterAge marks a record promotion-eligible once it is this
	// old. Zero disables the age criterion. A stage with both criteria
	// disabled is terminal.
	PromoteAfterAge time.Duration

	// PromoteMinWeight additionally gates promotion on record weight.
	PromoteMinWeight int
}

// terminal reports whether no promotion criteria are configured.
func (c Config) terminal() bool {
	return c.PromoteAfterAccess == 0 && c.PromoteAfterAge == 0
}

// eligible applies the stage's promotion thresholds to a record.
func (c Config) eligible(r *record.Record) bool {
	if c.terminal() {
		return false
	}
	if r.Weight < c.PromoteMinWeight {
		return false
	}
	if c.PromoteAfterAccess > 0 && r.AccessCount >= c.PromoteAfterAccess {
		return true
	}
	if c.PromoteAfterAge > 0 && r.Age() >= c.PromoteAfterAge {
		return true
	}
	return false
}

// Stats is a read-only snapshot of a store's state. PayloadBytes counts
// payload bytes as stored; OriginalBytes counts the same payloads before
// compression, so the two only diverge for the Archive stage.
type Stats struct {
	Stage         record.Stage `json:"stage"`
	Len           int          `json:"len"`
	Capacity      int          `json:"capacity"`
	Repairs       int64        `json:"repairs"`
	PayloadBytes  int64        `json:"payload_bytes"`
	OriginalBytes int64        `json:"original_bytes"`
}

// wasRepaired reports whether VerifyRepair handed back freshly
// reconstructed bytes rather than the original slice.
func wasRepaired(original, verified []byte) bool {
	if len(original) == 0 || len(verified) == 0 {
		return false
	}
	return &original[0] != &verified[0]
}

// Store is an abstract record container keyed by ID. Get runs redundancy
// verification: correctable corruption is repaired in place and never
// surfaced; unrecoverable corruption returns record.ErrCorrupted without
// ever serving undetected bit errors. Put returns record.ErrCapacityFull
// when the store is at capacity — eviction before insert is the caller's
// job. Stores hand out deep copies, never internal pointers.
type Store interface {
	Stage() record.Stage
	Put(r *record.Record) error
	Get(id string) (*record.Record, error)
	Remove(id string) (*record.Record, error)
	Touch(id string) error
	EligibleForPromotion(id string) bool
	Len() int
	IDs() []string
	Stats() Stats
}
