package store

import (
	"bytes"
	"testing"

	"github.com/engramd/engram/internal/codec"
	"github.com/engramd/engram/internal/record"
)

func testRecord(t *testing.T, owner string, payload []byte) *record.Record {
	t.Helper()
	c, err := codec.New(0.25)
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}
	r := record.New(owner, payload, false, 100)
	r.Tag, err = c.Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return r
}

func TestInsertGetRecord(t *testing.T) {
	db := testDB(t)
	r := testRecord(t, "alice", []byte("remember this"))

	if err := db.InsertRecord(r); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}

	got, err := db.GetRecord(r.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if got.Owner != "alice" {
		t.Errorf("owner = %q, want %q", got.Owner, "alice")
	}
	if !bytes.Equal(got.Payload, r.Payload) {
		t.Error("payload does not round-trip")
	}
	if got.Stage != record.StageWorking {
		t.Errorf("stage = %s, want working", got.Stage)
	}

	// The restored tag must still verify the payload.
	c, _ := codec.New(0.25)
	if _, err := c.VerifyRepair(got.Payload, got.Tag); err != nil {
		t.Errorf("restored tag fails verification: %v", err)
	}
}

func TestGetRecordMissing(t *testing.T) {
	db := testDB(t)

	got, err := db.GetRecord("no-such-id")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got != nil {
		t.Error("expected nil for missing record")
	}
}

func TestDeleteRecord(t *testing.T) {
	db := testDB(t)
	r := testRecord(t, "alice", []byte("ephemeral"))
	db.InsertRecord(r)

	existed, err := db.DeleteRecord(r.ID)
	if err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	if !existed {
		t.Error("expected existed=true")
	}

	existed, err = db.DeleteRecord(r.ID)
	if err != nil {
		t.Fatalf("DeleteRecord second: %v", err)
	}
	if existed {
		t.Error("expected existed=false on second delete")
	}
}

func TestTouchRecord(t *testing.T) {
	db := testDB(t)
	r := testRecord(t, "alice", []byte("touched"))
	db.InsertRecord(r)

	if err := db.TouchRecord(r.ID); err != nil {
		t.Fatalf("TouchRecord: %v", err)
	}

	got, _ := db.GetRecord(r.ID)
	if got.AccessCount != 1 {
		t.Errorf("access_count = %d, want 1", got.AccessCount)
	}
}

func TestCountAndStageIDs(t *testing.T) {
	db := testDB(t)

	for i, owner := range []string{"alice", "alice", "bob"} {
		r := testRecord(t, owner, []byte{byte(i)})
		r.Stage = record.StageConsolidated
		if err := db.InsertRecord(r); err != nil {
			t.Fatalf("InsertRecord %d: %v", i, err)
		}
	}

	count, err := db.CountStage(record.StageConsolidated)
	if err != nil {
		t.Fatalf("CountStage: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	ids, err := db.StageIDs(record.StageConsolidated)
	if err != nil {
		t.Fatalf("StageIDs: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("len(ids) = %d, want 3", len(ids))
	}

	entries, err := db.StageIndex(record.StageConsolidated)
	if err != nil {
		t.Fatalf("StageIndex: %v", err)
	}
	owners := map[string]int{}
	for _, e := range entries {
		owners[e.Owner]++
	}
	if owners["alice"] != 2 || owners["bob"] != 1 {
		t.Errorf("owners = %v, want alice:2 bob:1", owners)
	}
}

func TestUpdateRecordPayload(t *testing.T) {
	db := testDB(t)
	r := testRecord(t, "alice", []byte("original"))
	db.InsertRecord(r)

	c, _ := codec.New(0.25)
	repaired := []byte("repaired")
	tag, err := c.Encode(repaired)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := db.UpdateRecordPayload(r.ID, repaired, tag); err != nil {
		t.Fatalf("UpdateRecordPayload: %v", err)
	}

	got, _ := db.GetRecord(r.ID)
	if !bytes.Equal(got.Payload, repaired) {
		t.Errorf("payload = %q, want %q", got.Payload, repaired)
	}
}

func TestCompressionColumnsRoundTrip(t *testing.T) {
	db := testDB(t)
	r := testRecord(t, "alice", []byte("packed bytes"))
	r.Stage = record.StageArchive
	r.Compressed = true
	r.OriginalLen = 4096

	if err := db.InsertRecord(r); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	got, err := db.GetRecord(r.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if !got.Compressed {
		t.Error("compressed flag does not round-trip")
	}
	if got.OriginalLen != 4096 {
		t.Errorf("original len = %d, want 4096", got.OriginalLen)
	}

	stored, original, err := db.StageSizes(record.StageArchive)
	if err != nil {
		t.Fatalf("StageSizes: %v", err)
	}
	if stored != int64(len(r.Payload)) {
		t.Errorf("stored = %d, want %d", stored, len(r.Payload))
	}
	if original != 4096 {
		t.Errorf("original = %d, want 4096", original)
	}
}

func TestStageSizesUncompressed(t *testing.T) {
	db := testDB(t)
	r := testRecord(t, "alice", []byte("plain"))
	if err := db.InsertRecord(r); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}

	stored, original, err := db.StageSizes(record.StageWorking)
	if err != nil {
		t.Fatalf("StageSizes: %v", err)
	}
	if stored != original {
		t.Errorf("stored %d != original %d for an uncompressed stage", stored, original)
	}
	if stored != int64(len(r.Payload)) {
		t.Errorf("stored = %d, want %d", stored, len(r.Payload))
	}
}
