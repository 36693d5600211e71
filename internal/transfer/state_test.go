package transfer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lanshare/lanshare/internal/store"
)

func newStateManager(t *testing.T) (*StateManager, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewStateManager(st, 2, time.Hour), st
}

func TestStateManagerOpenCreatesActiveRecord(t *testing.T) {
	sm, _ := newStateManager(t)
	desc := NewDescriptor("hash-1", "report.pdf", 200, 64)

	rec, err := sm.Open(desc, RoleReceiver, "peer-a", "/downloads/report.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusActive {
		t.Fatalf("expected StatusActive, got %s", rec.Status)
	}
	if rec.Descriptor.TotalChunks != 4 {
		t.Fatalf("expected 4 chunks for 200 bytes at chunk_size 64, got %d", rec.Descriptor.TotalChunks)
	}
}

func TestMarkCompleteIdempotentDuplicate(t *testing.T) {
	sm, _ := newStateManager(t)
	desc := NewDescriptor("hash-2", "f.bin", 100, 50)
	if _, err := sm.Open(desc, RoleReceiver, "peer-a", "/x"); err != nil {
		t.Fatal(err)
	}

	if err := sm.MarkComplete("hash-2", RoleReceiver, 0); err != nil {
		t.Fatal(err)
	}
	if err := sm.MarkComplete("hash-2", RoleReceiver, 0); err != nil {
		t.Fatal(err)
	}
	set := sm.CompletedSet("hash-2", RoleReceiver)
	if len(set) != 1 {
		t.Fatalf("expected exactly one completed chunk after duplicate mark, got %d", len(set))
	}
}

func TestResumeFromPartialProgressAcrossReload(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sm1 := NewStateManager(st, 1, time.Hour)
	desc := NewDescriptor("hash-3", "movie.mp4", 300, 100)
	if _, err := sm1.Open(desc, RoleReceiver, "peer-a", "/x"); err != nil {
		t.Fatal(err)
	}
	if err := sm1.MarkComplete("hash-3", RoleReceiver, 0); err != nil {
		t.Fatal(err)
	}
	if err := sm1.MarkComplete("hash-3", RoleReceiver, 1); err != nil {
		t.Fatal(err)
	}

	sm2 := NewStateManager(st, 1, time.Hour)
	rec, err := sm2.Open(desc, RoleReceiver, "peer-a", "/x")
	if err != nil {
		t.Fatal(err)
	}
	progress := rec.Progress()
	if progress.ChunksDone != 2 {
		t.Fatalf("expected 2 completed chunks to survive reload, got %d", progress.ChunksDone)
	}
	set := sm2.CompletedSet("hash-3", RoleReceiver)
	if len(set) != 2 {
		t.Fatalf("expected completed set of 2 after reopening from disk, got %d", len(set))
	}
}

func TestFinishFlushesRegardlessOfSyncPolicy(t *testing.T) {
	sm, st := newStateManager(t)
	desc := NewDescriptor("hash-4", "small.txt", 10, 1024)
	if _, err := sm.Open(desc, RoleSender, "peer-b", "/src/small.txt"); err != nil {
		t.Fatal(err)
	}
	if err := sm.Finish("hash-4", RoleSender, StatusComplete); err != nil {
		t.Fatal(err)
	}

	sm2 := NewStateManager(st, 1, time.Hour)
	rec, err := sm2.Open(desc, RoleSender, "peer-b", "/src/small.txt")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusComplete {
		t.Fatalf("expected terminal status to persist, got %s", rec.Status)
	}
}

func TestEnumeratePendingExcludesTerminalRecords(t *testing.T) {
	sm, _ := newStateManager(t)
	active := NewDescriptor("hash-5", "a.bin", 10, 5)
	done := NewDescriptor("hash-6", "b.bin", 10, 5)

	if _, err := sm.Open(active, RoleReceiver, "peer-a", "/x"); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.Open(done, RoleReceiver, "peer-a", "/y"); err != nil {
		t.Fatal(err)
	}
	if err := sm.Finish("hash-6", RoleReceiver, StatusComplete); err != nil {
		t.Fatal(err)
	}

	pending, err := sm.EnumeratePending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Descriptor.FileHash != "hash-5" {
		t.Fatalf("expected only hash-5 pending, got %+v", pending)
	}
}

func TestRecordsSplitByRoleDirectory(t *testing.T) {
	dir := t.TempDir()
	sm, st := newStateManagerAt(t, dir)
	recvDesc := NewDescriptor("hash-recv", "r.bin", 10, 5)
	sendDesc := NewDescriptor("hash-send", "s.bin", 10, 5)

	if _, err := sm.Open(recvDesc, RoleReceiver, "peer-a", "/x"); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.Open(sendDesc, RoleSender, "peer-a", "/y"); err != nil {
		t.Fatal(err)
	}

	if !st.Exists(filepath.Join("receiving", "hash-recv.json")) {
		t.Fatal("expected receiving/hash-recv.json to exist")
	}
	if !st.Exists(filepath.Join("sending", "hash-send.json")) {
		t.Fatal("expected sending/hash-send.json to exist")
	}
}

func TestOpenQuarantinesUnparseableRecord(t *testing.T) {
	dir := t.TempDir()
	sm, st := newStateManagerAt(t, dir)
	desc := NewDescriptor("hash-corrupt", "c.bin", 10, 5)

	path := filepath.Join(dir, "receiving", "hash-corrupt.json")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	rec, err := sm.Open(desc, RoleReceiver, "peer-a", "/x")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusActive {
		t.Fatalf("expected a fresh StatusActive record, got %s", rec.Status)
	}
	if !st.Exists(filepath.Join("receiving", "hash-corrupt.json.corrupt")) {
		t.Fatal("expected the unparseable record to be quarantined, not lost")
	}
}

func TestEnumeratePendingQuarantinesUnparseableRecord(t *testing.T) {
	dir := t.TempDir()
	sm, st := newStateManagerAt(t, dir)

	path := filepath.Join(dir, "sending", "hash-bad.json")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json at all"), 0644); err != nil {
		t.Fatal(err)
	}

	pending, err := sm.EnumeratePending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending records from an unparseable file, got %d", len(pending))
	}
	if !st.Exists(filepath.Join("sending", "hash-bad.json.corrupt")) {
		t.Fatal("expected the unparseable record to be quarantined during enumeration")
	}
}

func newStateManagerAt(t *testing.T, dir string) (*StateManager, *store.Store) {
	t.Helper()
	st, err := store.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	return NewStateManager(st, 2, time.Hour), st
}

func TestZeroByteFileHasZeroChunks(t *testing.T) {
	desc := NewDescriptor("hash-7", "empty.txt", 0, 1024)
	if desc.TotalChunks != 0 {
		t.Fatalf("expected 0 total chunks for a zero-byte file, got %d", desc.TotalChunks)
	}
}

func TestChunkSizeBoundaryFile(t *testing.T) {
	desc := NewDescriptor("hash-8", "exact.bin", 200, 100)
	if desc.TotalChunks != 2 {
		t.Fatalf("expected exactly 2 chunks for a file sized at 2x chunk_size, got %d", desc.TotalChunks)
	}
	_, lastLen := desc.ChunkBounds(1)
	if lastLen != 100 {
		t.Fatalf("expected the final boundary-aligned chunk to be full-sized, got %d", lastLen)
	}
}
