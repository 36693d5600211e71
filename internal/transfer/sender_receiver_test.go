package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lanshare/lanshare/pkg/protocol"
)

func TestReceiverWriteChunkIdempotentDuplicate(t *testing.T) {
	dir := t.TempDir()
	desc := NewDescriptor("h", "f.bin", 10, 10)
	r, err := OpenPart(filepath.Join(dir, "f.bin.part"), desc)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("0123456789")
	if err := r.WriteChunk(0, data); err != nil {
		t.Fatal(err)
	}
	if err := r.WriteChunk(0, data); err != nil {
		t.Fatal(err)
	}
	r.Close()

	got, err := os.ReadFile(filepath.Join(dir, "f.bin.part"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("expected %q, got %q", data, got)
	}
}

func TestVerifyAndFinalizeHashMismatch(t *testing.T) {
	dir := t.TempDir()
	partPath := filepath.Join(dir, "f.bin.part")
	if err := os.WriteFile(partPath, []byte("actual content"), 0644); err != nil {
		t.Fatal(err)
	}

	_, _, err := VerifyAndFinalize(partPath, dir, "f.bin", "deadbeef")
	if err == nil {
		t.Fatal("expected hash mismatch error")
	}
	if _, statErr := os.Stat(partPath); statErr != nil {
		t.Fatal("part file should remain in place after a failed verification")
	}
}

func TestVerifyAndFinalizeCollisionSuffix(t *testing.T) {
	dir := t.TempDir()
	content := []byte("hello world")
	sum := sha256.Sum256(content)
	hash := fmt.Sprintf("%x", sum)

	if err := os.WriteFile(filepath.Join(dir, "note.txt"), []byte("existing"), 0644); err != nil {
		t.Fatal(err)
	}

	partPath := filepath.Join(dir, "note.txt.part")
	if err := os.WriteFile(partPath, content, 0644); err != nil {
		t.Fatal(err)
	}

	finalPath, gotHash, err := VerifyAndFinalize(partPath, dir, "note.txt", hash)
	if err != nil {
		t.Fatal(err)
	}
	if gotHash != hash {
		t.Fatalf("hash mismatch: got %s want %s", gotHash, hash)
	}
	if filepath.Base(finalPath) != "note (1).txt" {
		t.Fatalf("expected collision-suffixed name, got %s", finalPath)
	}
}

func TestZeroByteFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	desc := NewDescriptor("h", "empty.txt", 0, 1024)
	r, err := OpenPart(filepath.Join(dir, "empty.txt.part"), desc)
	if err != nil {
		t.Fatal(err)
	}
	r.Close()

	sum := sha256.Sum256(nil)
	hash := fmt.Sprintf("%x", sum)
	finalPath, gotHash, err := VerifyAndFinalize(filepath.Join(dir, "empty.txt.part"), dir, "empty.txt", hash)
	if err != nil {
		t.Fatal(err)
	}
	if gotHash != hash {
		t.Fatalf("expected empty-file hash %s, got %s", hash, gotHash)
	}
	if filepath.Base(finalPath) != "empty.txt" {
		t.Fatalf("unexpected final path %s", finalPath)
	}
}

func TestSenderRetriesUntilAcked(t *testing.T) {
	var buf bytes.Buffer
	acks := make(chan uint32, 4)
	desc := NewDescriptor("h", "f.bin", 10, 10)
	s := NewSender(&buf, acks, 30*time.Millisecond, 3, desc.ChunkSize)

	// The ack lands after the first 30ms wait has timed out, so it can only
	// be matched by a retransmitted attempt.
	go func() {
		time.Sleep(45 * time.Millisecond)
		acks <- 0
	}()

	src := bytes.NewReader([]byte("0123456789"))
	if err := s.SendFile(context.Background(), src, desc, []uint32{0}); err != nil {
		t.Fatal(err)
	}

	ty, payload, err := protocol.ReadFrame(&buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ty != protocol.TypeFileData {
		t.Fatalf("expected FILE_DATA frame, got %s", ty)
	}
	idx, data, err := protocol.DecodeFileData(payload)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 0 || string(data) != "0123456789" {
		t.Fatalf("unexpected chunk contents: idx=%d data=%q", idx, data)
	}
	if ty, _, err := protocol.ReadFrame(&buf, 0); err != nil || ty != protocol.TypeFileData {
		t.Fatalf("expected a retransmitted FILE_DATA frame, got type=%s err=%v", ty, err)
	}
}

func TestSenderFailsAfterMaxRetryExhausted(t *testing.T) {
	var buf bytes.Buffer
	acks := make(chan uint32)
	desc := NewDescriptor("h", "f.bin", 5, 5)
	s := NewSender(&buf, acks, 5*time.Millisecond, 1, desc.ChunkSize)

	src := bytes.NewReader([]byte("abcde"))
	err := s.SendFile(context.Background(), src, desc, []uint32{0})
	if err == nil {
		t.Fatal("expected error after exhausting retry budget with no ack ever arriving")
	}
}
