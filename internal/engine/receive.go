package engine

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"time"

	"github.com/lanshare/lanshare/internal/audit"
	"github.com/lanshare/lanshare/internal/lanerr"
	"github.com/lanshare/lanshare/internal/session"
	"github.com/lanshare/lanshare/internal/transfer"
	"github.com/lanshare/lanshare/pkg/protocol"
)

// dispatchFrame routes one inbound Active-state frame. It is always called
// from the single goroutine draining a session's Frames() channel
// (runDispatch), so it never races with itself for a given session.
func (e *Engine) dispatchFrame(ps *peerSession, frame session.Frame) {
	switch frame.Type {
	case protocol.TypeFileInfo:
		e.handleFileInfo(ps, frame.Payload)
	case protocol.TypeFileData:
		e.handleFileData(ps, frame.Payload)
	case protocol.TypeFileComplete:
		e.handleFileComplete(ps, frame.Payload)
	case protocol.TypeError:
		e.handleRemoteError(ps, frame.Payload)
		nonBlockingSend(ps.control, frame)
	case protocol.TypeFileAck:
		if idx, err := protocol.DecodeFileAck(frame.Payload); err == nil {
			nonBlockingSendUint32(ps.acks, idx)
		}
	case protocol.TypeFileAckBatch:
		var batch protocol.FileAckBatch
		if json.Unmarshal(frame.Payload, &batch) == nil {
			for _, idx := range batch.Indices {
				nonBlockingSendUint32(ps.acks, idx)
			}
		}
	case protocol.TypeHeartbeat:
		// lastFrameAt bookkeeping already handled inside internal/session.
	default:
		// FILE_INFO_ACK, FILE_RESUME, FILE_COMPLETE_ACK: replies to an
		// outbound send, consumed via ps.control by runSendOnSession.
		nonBlockingSend(ps.control, frame)
	}
}

func nonBlockingSend(ch chan session.Frame, frame session.Frame) {
	select {
	case ch <- frame:
	default:
	}
}

func nonBlockingSendUint32(ch chan uint32, v uint32) {
	select {
	case ch <- v:
	default:
	}
}

func (e *Engine) handleRemoteError(ps *peerSession, payload []byte) {
	var em protocol.ErrorMsg
	if err := json.Unmarshal(payload, &em); err != nil {
		return
	}
	e.log.Warn("peer reported error", "peer", ps.sess.PeerDeviceID, "kind", em.Kind, "detail", em.Detail)
}

func (e *Engine) handleFileInfo(ps *peerSession, payload []byte) {
	var fi protocol.FileInfo
	if err := json.Unmarshal(payload, &fi); err != nil {
		e.sendProtocolError(ps, "malformed FILE_INFO")
		return
	}
	desc := transfer.Descriptor{
		FileHash:    fi.FileHash,
		FileName:    fi.FileName,
		FileSize:    fi.FileSize,
		ChunkSize:   fi.ChunkSize,
		TotalChunks: fi.TotalChunks,
	}

	rec, err := e.xfers.Open(desc, transfer.RoleReceiver, ps.sess.PeerDeviceID, "")
	if err != nil {
		e.log.Error("open receive record", "error", err)
		return
	}

	partPath := e.store.Path("receiving", desc.FileHash+".part")
	recv, err := transfer.OpenPart(partPath, desc)
	if err != nil {
		e.log.Error("open part file", "error", err)
		return
	}
	if err := e.xfers.SetPartPath(desc.FileHash, transfer.RoleReceiver, partPath); err != nil {
		e.log.Warn("persist part path", "error", err)
	}

	ps.mu.Lock()
	ps.recv = &inboundTransfer{desc: desc, receiver: recv, partPath: partPath, startedAt: rec.CreatedAt}
	ps.mu.Unlock()

	if err := ps.sess.Send(protocol.TypeFileInfoAck, nil); err != nil {
		e.log.Warn("send FILE_INFO_ACK", "error", err)
		return
	}

	if completed := e.xfers.CompletedSet(desc.FileHash, transfer.RoleReceiver); len(completed) > 0 {
		ranges := protocol.CompressChunks(completed)
		if err := ps.sess.SendJSON(protocol.TypeFileResume, protocol.FileResume{FileHash: desc.FileHash, Ranges: ranges}); err != nil {
			e.log.Warn("send FILE_RESUME", "error", err)
		}
	}

	e.emit(Event{Kind: EventTransferStarted, PeerDeviceID: ps.sess.PeerDeviceID, FileName: desc.FileName})

	if desc.TotalChunks == 0 {
		e.maybeFinalizeReceive(ps)
	}
}

func (e *Engine) handleFileData(ps *peerSession, payload []byte) {
	index, data, err := protocol.DecodeFileData(payload)
	if err != nil {
		e.sendProtocolError(ps, "malformed FILE_DATA")
		return
	}

	ps.mu.Lock()
	rt := ps.recv
	ps.mu.Unlock()
	if rt == nil {
		e.sendProtocolError(ps, "FILE_DATA before FILE_INFO")
		return
	}
	if int64(index) >= rt.desc.TotalChunks {
		e.sendProtocolError(ps, "chunk index out of range")
		return
	}

	alreadyDone := false
	for _, done := range e.xfers.CompletedSet(rt.desc.FileHash, transfer.RoleReceiver) {
		if done == index {
			alreadyDone = true
			break
		}
	}
	if !alreadyDone {
		if err := rt.receiver.WriteChunk(index, data); err != nil {
			e.log.Error("write chunk", "error", err, "index", index)
			e.sendProtocolError(ps, err.Error())
			return
		}
		if err := e.xfers.MarkComplete(rt.desc.FileHash, transfer.RoleReceiver, index); err != nil {
			e.log.Error("mark chunk complete", "error", err)
		}
	}

	ackPayload := make([]byte, 4)
	binary.BigEndian.PutUint32(ackPayload, index)
	if err := ps.sess.Send(protocol.TypeFileAck, ackPayload); err != nil {
		e.log.Warn("send FILE_ACK", "error", err)
	}

	if prog, ok := e.xfers.Progress(rt.desc.FileHash, transfer.RoleReceiver); ok {
		e.emit(Event{
			Kind:         EventTransferProgress,
			PeerDeviceID: ps.sess.PeerDeviceID,
			FileName:     rt.desc.FileName,
			Progress: Progress{
				BytesTransferred: prog.BytesTransferred,
				TotalBytes:       rt.desc.FileSize,
				ChunksDone:       prog.ChunksDone,
				TotalChunks:      prog.TotalChunks,
			},
		})
	}

	e.maybeFinalizeReceive(ps)
}

func (e *Engine) handleFileComplete(ps *peerSession, payload []byte) {
	var fc protocol.FileComplete
	if err := json.Unmarshal(payload, &fc); err != nil {
		e.sendProtocolError(ps, "malformed FILE_COMPLETE")
		return
	}

	ps.mu.Lock()
	rt := ps.recv
	ps.mu.Unlock()
	if rt == nil {
		// Already finalized by the chunk-driven path in handleFileData, or a
		// replay: either way the receiver's work is done, just ack it.
		ps.sess.SendJSON(protocol.TypeFileCompleteAck, protocol.FileComplete{FileHash: fc.FileHash})
		return
	}
	e.maybeFinalizeReceive(ps)
}

// maybeFinalizeReceive verifies and renames a transfer's .part file once
// every chunk has landed, per spec.md §4.3 step 4. It is called right after
// the chunk that completes the bitmap (the normal path), from FILE_INFO for
// a zero-chunk file (where no FILE_DATA ever arrives), and from
// FILE_COMPLETE.
// A second call after the first has already cleared ps.recv is a no-op,
// matching FILE_COMPLETE's idempotent ack requirement.
func (e *Engine) maybeFinalizeReceive(ps *peerSession) {
	ps.mu.Lock()
	rt := ps.recv
	ps.mu.Unlock()
	if rt == nil {
		return
	}
	if int64(len(e.xfers.CompletedSet(rt.desc.FileHash, transfer.RoleReceiver))) < rt.desc.TotalChunks {
		return
	}

	rt.receiver.Close()
	finalPath, _, err := transfer.VerifyAndFinalize(rt.partPath, e.cfg.DownloadDir, rt.desc.FileName, rt.desc.FileHash)

	ps.mu.Lock()
	ps.recv = nil
	ps.mu.Unlock()

	if err != nil {
		if lanerr.Is(err, lanerr.Integrity) {
			os.Remove(rt.partPath)
			e.xfers.Delete(rt.desc.FileHash, transfer.RoleReceiver)
			ps.sess.SendJSON(protocol.TypeError, protocol.ErrorMsg{Kind: "integrity", Detail: err.Error()})
			e.recordAuditEntry(transfer.RoleReceiver, rt.desc, ps.sess.PeerDeviceID, "failed", err.Error(), rt.startedAt)
			e.emit(Event{Kind: EventTransferFailed, PeerDeviceID: ps.sess.PeerDeviceID, FileName: rt.desc.FileName, Detail: err.Error()})
			return
		}
		e.log.Error("finalize transfer", "error", err)
		e.emit(Event{Kind: EventTransferFailed, PeerDeviceID: ps.sess.PeerDeviceID, FileName: rt.desc.FileName, Detail: err.Error()})
		return
	}

	e.xfers.Finish(rt.desc.FileHash, transfer.RoleReceiver, transfer.StatusComplete)
	e.xfers.Delete(rt.desc.FileHash, transfer.RoleReceiver)
	e.recordAuditEntry(transfer.RoleReceiver, rt.desc, ps.sess.PeerDeviceID, "success", "", rt.startedAt)
	ps.sess.SendJSON(protocol.TypeFileCompleteAck, protocol.FileComplete{FileHash: rt.desc.FileHash})
	e.emit(Event{Kind: EventTransferComplete, PeerDeviceID: ps.sess.PeerDeviceID, FileName: finalPath})
}

func (e *Engine) sendProtocolError(ps *peerSession, detail string) {
	ps.sess.SendJSON(protocol.TypeError, protocol.ErrorMsg{Kind: "protocol", Detail: detail})
}

func (e *Engine) recordAuditEntry(role transfer.Role, desc transfer.Descriptor, peerDeviceID, status, errMsg string, startedAt time.Time) {
	entry := audit.LogEntry{
		ID:           desc.FileHash,
		Timestamp:    time.Now(),
		Role:         string(role),
		FileName:     desc.FileName,
		FileSize:     desc.FileSize,
		FileHash:     desc.FileHash,
		PeerDeviceID: peerDeviceID,
		Status:       status,
		Error:        errMsg,
		Duration:     time.Since(startedAt).Seconds(),
	}
	if err := e.audit.WriteEntry(entry); err != nil {
		e.log.Warn("write history entry", "error", err)
	}
}
