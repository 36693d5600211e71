package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lanshare/lanshare/internal/store"
)

func newLog(t *testing.T) *Log {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	l, err := New(st)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestAuditLogLifecycle(t *testing.T) {
	l := newLog(t)

	if err := l.WriteEntry(LogEntry{ID: "1", Role: "sender", Status: "success"}); err != nil {
		t.Fatalf("WriteEntry failed: %v", err)
	}

	entries := l.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ID != "1" {
		t.Fatalf("expected ID 1, got %s", entries[0].ID)
	}

	for i := 0; i < 1100; i++ {
		e := LogEntry{
			ID:        fmt.Sprintf("p-%d", i),
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := l.WriteEntry(e); err != nil {
			t.Fatalf("WriteEntry loop failed at %d: %v", i, err)
		}
	}

	entries = l.All()
	if len(entries) > maxEntries {
		t.Fatalf("pruning failed, expected at most %d entries, got %d", maxEntries, len(entries))
	}
	if entries[0].ID != "p-1099" {
		t.Fatalf("expected newest entry p-1099 to survive pruning, got %s", entries[0].ID)
	}

	if err := l.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if entries := l.All(); len(entries) != 0 {
		t.Fatalf("expected 0 entries after clear, got %d", len(entries))
	}
}

func TestAuditLogPersistsAcrossReload(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	l1, err := New(st)
	if err != nil {
		t.Fatal(err)
	}
	if err := l1.WriteEntry(LogEntry{ID: "keep-me", Role: "receiver", Status: "success"}); err != nil {
		t.Fatal(err)
	}

	l2, err := New(st)
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := l2.Entry("keep")
	if !ok {
		t.Fatal("expected prefix-matched entry to survive reload from disk")
	}
	if entry.ID != "keep-me" {
		t.Fatalf("expected keep-me, got %s", entry.ID)
	}
}

func TestAuditLogQuarantinesUnparseableDocument(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.WriteJSON(recordPath, "not a document"); err != nil {
		t.Fatal(err)
	}

	l, err := New(st)
	if err != nil {
		t.Fatal(err)
	}
	if len(l.All()) != 0 {
		t.Fatal("expected an empty log after quarantining an unparseable document")
	}
	if !st.Exists(recordPath + ".corrupt") {
		t.Fatal("expected the unparseable history document to be quarantined")
	}
}

func TestEntryMarshaling(t *testing.T) {
	entry := LogEntry{
		ID:        "test-id",
		Timestamp: time.Now(),
		Role:      "sender",
		FileName:  "foo.txt",
		FileSize:  1024,
		Status:    "success",
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded LogEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.ID != entry.ID {
		t.Fatalf("expected ID %s, got %s", entry.ID, decoded.ID)
	}
}

func TestConcurrentWrites(t *testing.T) {
	l := newLog(t)

	const numGoroutines = 10
	const entriesPerGoroutine = 50

	var wg sync.WaitGroup
	errCh := make(chan error, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < entriesPerGoroutine; j++ {
				entry := LogEntry{
					ID:        fmt.Sprintf("worker-%d-%d", id, j),
					Timestamp: time.Now(),
					Role:      "sender",
					Status:    "success",
				}
				if err := l.WriteEntry(entry); err != nil {
					errCh <- fmt.Errorf("worker %d failed: %w", id, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatal(err)
		}
	}

	expected := numGoroutines * entriesPerGoroutine
	if got := len(l.All()); got != expected {
		t.Fatalf("expected %d entries, got %d", expected, got)
	}
}
