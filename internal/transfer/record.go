// Package transfer implements the chunked file transfer engine from
// spec.md §4.3-§4.4: descriptor/progress bookkeeping, a stop-and-wait
// chunk sender, and a sparse-file chunk receiver with resume support.
package transfer

import (
	"time"

	"github.com/lanshare/lanshare/pkg/protocol"
)

// Role distinguishes which side of a transfer a Record describes, since the
// same file_hash can appear once per direction if two devices ever swap
// roles across reconnects.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// Status is a Record's terminal or in-flight state.
type Status string

const (
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusStalled  Status = "stalled"
)

// Descriptor is the immutable metadata a FILE_INFO frame carries, per
// spec.md §4.2.
type Descriptor struct {
	FileHash    string `json:"file_hash"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int64  `json:"total_chunks"`
}

// NewDescriptor computes total_chunks from file_size and chunk_size. A
// zero-byte file has zero chunks: no FILE_DATA frames are ever sent, and
// FILE_INFO plus FILE_COMPLETE carry the whole transfer.
func NewDescriptor(fileHash, fileName string, fileSize, chunkSize int64) Descriptor {
	var total int64
	if fileSize > 0 {
		total = (fileSize + chunkSize - 1) / chunkSize
	}
	return Descriptor{
		FileHash:    fileHash,
		FileName:    fileName,
		FileSize:    fileSize,
		ChunkSize:   chunkSize,
		TotalChunks: total,
	}
}

// ChunkBounds returns the byte offset and length of chunk index within a
// file sized per desc.
func (d Descriptor) ChunkBounds(index uint32) (offset, length int64) {
	offset = int64(index) * d.ChunkSize
	length = d.ChunkSize
	if remaining := d.FileSize - offset; remaining < length {
		length = remaining
	}
	return offset, length
}

// Progress is a point-in-time snapshot exposed to the engine's progress
// callback, per spec.md §6.
type Progress struct {
	FileHash         string `json:"file_hash"`
	BytesTransferred int64  `json:"bytes_transferred"`
	ChunksDone       int64  `json:"chunks_done"`
	TotalChunks      int64  `json:"total_chunks"`
}

// Record is the durable, persisted state of one transfer attempt.
// CompletedRanges is the authoritative resume record: a receiver rebuilds
// its completed-chunk set from it on restart, and a sender's FILE_RESUME
// handling simply defers to whatever the receiver reports instead of
// trusting its own last-known progress (spec.md's resume-authority
// decision — see SPEC_FULL.md).
type Record struct {
	Descriptor      Descriptor          `json:"descriptor"`
	Role            Role                `json:"role"`
	PeerDeviceID    string              `json:"peer_device_id"`
	FilePath        string              `json:"file_path"`
	PartPath        string              `json:"part_path,omitempty"`
	CompletedRanges []protocol.ChunkRange `json:"completed_ranges"`
	Status          Status              `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Progress derives a Progress snapshot from the record's completed ranges.
func (r Record) Progress() Progress {
	var chunksDone, bytesDone int64
	for _, rg := range r.CompletedRanges {
		n := int64(rg.End) - int64(rg.Start) + 1
		chunksDone += n
		bytesDone += n * r.Descriptor.ChunkSize
	}
	if bytesDone > r.Descriptor.FileSize {
		bytesDone = r.Descriptor.FileSize
	}
	return Progress{
		FileHash:         r.Descriptor.FileHash,
		BytesTransferred: bytesDone,
		ChunksDone:       chunksDone,
		TotalChunks:      r.Descriptor.TotalChunks,
	}
}
