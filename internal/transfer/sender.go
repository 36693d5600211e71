package transfer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gofrs/flock"
	"github.com/lanshare/lanshare/internal/lanerr"
	"github.com/lanshare/lanshare/pkg/protocol"
)

// Sender streams a file's outstanding chunks to a peer using stop-and-wait:
// it will not move on to chunk N+1 until chunk N is acknowledged or its
// attempt budget (MAX_RETRY) is exhausted, per spec.md §4.4. This mirrors
// the teacher's sequential chunk loop in internal/core/sender.go, replacing
// its fire-and-forget QUIC stream writes with an explicit per-chunk ack.
type Sender struct {
	w          io.Writer
	acks       <-chan uint32
	ackTimeout time.Duration
	maxRetry   int
	maxFrame   uint32
}

// NewSender builds a Sender writing frames to w and reading ack indices off
// acks (fed by the caller's read loop as FILE_ACK/FILE_ACK_BATCH frames
// arrive).
func NewSender(w io.Writer, acks <-chan uint32, ackTimeout time.Duration, maxRetry int, chunkSize int64) *Sender {
	return &Sender{
		w:          w,
		acks:       acks,
		ackTimeout: ackTimeout,
		maxRetry:   maxRetry,
		maxFrame:   protocol.MaxFrameLen(chunkSize),
	}
}

// SendFile transmits every index in pending, in order, re-reading each
// chunk's bytes from src. It returns as soon as any chunk exhausts its
// retry budget or ctx is cancelled (then with ctx's error).
func (s *Sender) SendFile(ctx context.Context, src io.ReaderAt, desc Descriptor, pending []uint32) error {
	for _, idx := range pending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.sendChunk(ctx, src, desc, idx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendChunk(ctx context.Context, src io.ReaderAt, desc Descriptor, idx uint32) error {
	offset, length := desc.ChunkBounds(idx)
	buf := make([]byte, length)
	if _, err := src.ReadAt(buf, offset); err != nil && err != io.EOF {
		return lanerr.New(lanerr.Transport, "read source chunk", err)
	}

	for attempt := 0; attempt <= s.maxRetry; attempt++ {
		if err := protocol.EncodeFileData(s.w, idx, buf, s.maxFrame); err != nil {
			return lanerr.New(lanerr.Transport, "write chunk", err)
		}
		if s.waitAck(ctx, idx) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return lanerr.New(lanerr.Transport,
		fmt.Sprintf("chunk %d unacknowledged after %d attempts", idx, s.maxRetry+1), nil)
}

// waitAck blocks until want is acked, the ack timeout fires, or ctx ends.
// Acks for earlier chunks (a duplicate or delayed ack racing a retransmit)
// are drained and ignored rather than treated as a protocol error.
func (s *Sender) waitAck(ctx context.Context, want uint32) bool {
	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()
	for {
		select {
		case idx, ok := <-s.acks:
			if !ok {
				return false
			}
			if idx == want {
				return true
			}
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// LockSource takes a best-effort advisory lock on the source file for the
// duration of a send, matching the teacher's warn-but-continue behavior
// when the lock can't be acquired (internal/core/sender.go).
func LockSource(path string) (unlock func(), warning string) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return func() {}, fmt.Sprintf("could not lock source file: %v", err)
	}
	if !locked {
		return func() {}, "source file is in use by another process; changes during transfer may corrupt data"
	}
	return func() { fl.Unlock() }, ""
}
