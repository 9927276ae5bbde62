package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/engramd/engram/internal/codec"
	"github.com/engramd/engram/internal/record"
)

// InsertRecord persists a record row. The redundancy tag is serialized
// alongside the payload so the pair round-trips through codec verification.
func (db *DB) InsertRecord(r *record.Record) error {
	tag, err := r.Tag.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal tag: %w", err)
	}

	sensitive := 0
	if r.Sensitive {
		sensitive = 1
	}
	compressed := 0
	if r.Compressed {
		compressed = 1
	}

	_, err = db.Exec(`
		INSERT INTO records (id, owner, stage, sensitive, compressed, original_len,
			weight, payload, tag, created_at, last_accessed_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Owner, string(r.Stage), sensitive, compressed, r.OriginalLen,
		r.Weight, r.Payload, tag,
		r.CreatedAt.UnixMilli(), r.LastAccessedAt.UnixMilli(), r.AccessCount)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", r.ID, err)
	}
	return nil
}

// GetRecord returns a record by ID, or nil if not found.
func (db *DB) GetRecord(id string) (*record.Record, error) {
	row := db.QueryRow(`
		SELECT id, owner, stage, sensitive, compressed, original_len,
			weight, payload, tag, created_at, last_accessed_at, access_count
		FROM records WHERE id = ?
	`, id)

	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return r, nil
}

// DeleteRecord removes a record row. Returns false if no row existed.
func (db *DB) DeleteRecord(id string) (bool, error) {
	result, err := db.Exec("DELETE FROM records WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete record %s: %w", id, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// TouchRecord updates last_accessed_at and increments access_count.
func (db *DB) TouchRecord(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE records SET last_accessed_at = ?, access_count = access_count + 1
		WHERE id = ?
	`, now, id)
	if err != nil {
		return fmt.Errorf("touch record %s: %w", id, err)
	}
	return nil
}

// UpdateRecordPayload rewrites a record's payload and tag together,
// used when the codec repairs correctable corruption in place.
func (db *DB) UpdateRecordPayload(id string, payload []byte, tag codec.Tag) error {
	raw, err := tag.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal tag: %w", err)
	}
	_, err = db.Exec("UPDATE records SET payload = ?, tag = ? WHERE id = ?", payload, raw, id)
	if err != nil {
		return fmt.Errorf("update payload %s: %w", id, err)
	}
	return nil
}

// CountStage returns the number of records in a stage.
func (db *DB) CountStage(stage record.Stage) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM records WHERE stage = ?", string(stage)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count stage %s: %w", stage, err)
	}
	return count, nil
}

// StageSizes returns total stored payload bytes for a stage alongside
// the pre-compression total. The two are equal for stages that never
// compress.
func (db *DB) StageSizes(stage record.Stage) (stored, original int64, err error) {
	err = db.QueryRow(`
		SELECT COALESCE(SUM(LENGTH(payload)), 0),
			COALESCE(SUM(CASE WHEN compressed = 1 THEN original_len ELSE LENGTH(payload) END), 0)
		FROM records WHERE stage = ?
	`, string(stage)).Scan(&stored, &original)
	if err != nil {
		return 0, 0, fmt.Errorf("stage sizes %s: %w", stage, err)
	}
	return stored, original, nil
}

// StageIDs returns the IDs in a stage, oldest first, for promotion scans.
func (db *DB) StageIDs(stage record.Stage) ([]string, error) {
	rows, err := db.Query(
		"SELECT id FROM records WHERE stage = ? ORDER BY created_at", string(stage))
	if err != nil {
		return nil, fmt.Errorf("stage ids %s: %w", stage, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IndexEntry is the minimal location information the cache needs to
// rebuild its index on startup.
type IndexEntry struct {
	ID    string
	Owner string
}

// StageIndex returns (id, owner) pairs for every record in a stage.
func (db *DB) StageIndex(stage record.Stage) ([]IndexEntry, error) {
	rows, err := db.Query(
		"SELECT id, owner FROM records WHERE stage = ? ORDER BY created_at", string(stage))
	if err != nil {
		return nil, fmt.Errorf("stage index %s: %w", stage, err)
	}
	defer rows.Close()

	var entries []IndexEntry
	for rows.Next() {
		var e IndexEntry
		if err := rows.Scan(&e.ID, &e.Owner); err != nil {
			return nil, fmt.Errorf("scan index entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record.Record, error) {
	var r record.Record
	var stage string
	var sensitive, compressed int
	var tagRaw []byte
	var createdAt, lastAccessedAt int64

	if err := row.Scan(&r.ID, &r.Owner, &stage, &sensitive, &compressed, &r.OriginalLen,
		&r.Weight, &r.Payload, &tagRaw, &createdAt, &lastAccessedAt, &r.AccessCount); err != nil {
		return nil, err
	}

	st, err := record.ParseStage(stage)
	if err != nil {
		return nil, err
	}
	r.Stage = st
	r.Sensitive = sensitive != 0
	r.Compressed = compressed != 0
	r.CreatedAt = time.UnixMilli(createdAt)
	r.LastAccessedAt = time.UnixMilli(lastAccessedAt)
	if err := r.Tag.UnmarshalBinary(tagRaw); err != nil {
		return nil, fmt.Errorf("unmarshal tag: %w", err)
	}
	return &r, nil
}
