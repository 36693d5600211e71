package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lanshare/lanshare/internal/dirjob"
	"github.com/lanshare/lanshare/internal/lanerr"
	"github.com/lanshare/lanshare/internal/session"
	"github.com/lanshare/lanshare/internal/transfer"
	"github.com/lanshare/lanshare/internal/transport"
	"github.com/lanshare/lanshare/pkg/protocol"
)

// Send enumerates path (a file or a directory tree) and starts streaming it
// to peerDeviceID in the background, returning a job_handle for Progress/
// Cancel, per spec.md §6.
func (e *Engine) Send(path, peerDeviceID string) (string, error) {
	jobs, err := dirjob.Enumerate(path)
	if err != nil {
		return "", err
	}

	handle := uuid.NewString()
	ctx, cancel := context.WithCancel(e.ctx)
	js := &jobState{
		handle:       handle,
		peerDeviceID: peerDeviceID,
		jobs:         jobs,
		aggregator:   dirjob.NewAggregator(jobs),
		cancel:       cancel,
		status:       "active",
	}

	e.jobsMu.Lock()
	e.jobs[handle] = js
	e.jobsMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runSendJob(ctx, js)
	}()
	return handle, nil
}

func (e *Engine) runSendJob(ctx context.Context, js *jobState) {
	e.emit(Event{Kind: EventTransferStarted, JobHandle: js.handle, PeerDeviceID: js.peerDeviceID})

	for _, fj := range js.jobs {
		select {
		case <-ctx.Done():
			js.setStatus("cancelled")
			return
		default:
		}

		if err := e.sendOneFile(ctx, js, fj); err != nil {
			if lanerr.Is(err, lanerr.Cancellation) {
				js.setStatus("cancelled")
				return
			}
			js.setErr(err)
			e.log.Warn("send failed", "peer", js.peerDeviceID, "file", fj.RelPath, "error", err)
			e.emit(Event{Kind: EventTransferFailed, JobHandle: js.handle, PeerDeviceID: js.peerDeviceID, FileName: fj.RelPath, Detail: err.Error()})
			return
		}
	}

	js.setStatus("complete")
	e.emit(Event{Kind: EventTransferComplete, JobHandle: js.handle, PeerDeviceID: js.peerDeviceID})
}

func (e *Engine) sendOneFile(ctx context.Context, js *jobState, fj dirjob.Job) error {
	hash, size, err := fileHash(fj.AbsPath)
	if err != nil {
		return lanerr.New(lanerr.State, "hash source file", err)
	}
	desc := transfer.NewDescriptor(hash, fj.RelPath, size, e.cfg.ChunkSize)
	rec, err := e.xfers.Open(desc, transfer.RoleSender, js.peerDeviceID, fj.AbsPath)
	if err != nil {
		return lanerr.New(lanerr.State, "open send record", err)
	}

	unlock, warn := transfer.LockSource(fj.AbsPath)
	defer unlock()
	if warn != "" {
		e.log.Warn(warn, "file", fj.AbsPath)
	}

	attempts := 0
	for {
		ps, err := e.connectToPeer(ctx, js.peerDeviceID)
		if err != nil {
			e.xfers.Finish(hash, transfer.RoleSender, transfer.StatusStalled)
			e.recordAuditEntry(transfer.RoleSender, desc, js.peerDeviceID, "stalled", err.Error(), rec.CreatedAt)
			return err
		}

		err = e.runSendOnSession(ctx, ps, desc, fj.AbsPath, js)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return lanerr.New(lanerr.Cancellation, "send cancelled", ctx.Err())
		}
		if !lanerr.Is(err, lanerr.Transport) {
			e.xfers.Finish(hash, transfer.RoleSender, transfer.StatusFailed)
			e.recordAuditEntry(transfer.RoleSender, desc, js.peerDeviceID, "failed", err.Error(), rec.CreatedAt)
			return err
		}

		attempts++
		if attempts > e.cfg.MaxReconnectAttempt {
			e.xfers.Finish(hash, transfer.RoleSender, transfer.StatusStalled)
			e.recordAuditEntry(transfer.RoleSender, desc, js.peerDeviceID, "stalled", err.Error(), rec.CreatedAt)
			return err
		}
		e.emit(Event{Kind: EventReconnecting, JobHandle: js.handle, PeerDeviceID: js.peerDeviceID, FileName: fj.RelPath})
		select {
		case <-time.After(e.cfg.ReconnectInterval):
		case <-ctx.Done():
			return lanerr.New(lanerr.Cancellation, "send cancelled", ctx.Err())
		}
		e.emit(Event{Kind: EventReconnected, JobHandle: js.handle, PeerDeviceID: js.peerDeviceID, FileName: fj.RelPath})
	}

	e.xfers.Finish(hash, transfer.RoleSender, transfer.StatusComplete)
	e.xfers.Delete(hash, transfer.RoleSender)
	e.recordAuditEntry(transfer.RoleSender, desc, js.peerDeviceID, "success", "", rec.CreatedAt)
	js.aggregator.Update(hash, size)
	return nil
}

// connectToPeer returns the session for peerDeviceID, reusing an existing
// Active session if one exists, otherwise dialing directly and, on
// failure, handing off to the reconnect supervisor (direct retry, then
// targeted rediscovery, per spec.md §4.9).
func (e *Engine) connectToPeer(ctx context.Context, peerDeviceID string) (*peerSession, error) {
	e.mu.Lock()
	if ps, ok := e.sessions[peerDeviceID]; ok {
		e.mu.Unlock()
		return ps, nil
	}
	e.mu.Unlock()

	addr, ok := e.resolvePeerAddr(ctx, peerDeviceID)
	if !ok {
		return nil, lanerr.New(lanerr.Transport, fmt.Sprintf("peer %s not reachable", peerDeviceID), nil)
	}

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	conn, err := transport.Dial(dialCtx, addr)
	cancel()
	if err != nil {
		conn, err = e.reconn.Reconnect(ctx, peerDeviceID)
		if err != nil {
			return nil, lanerr.New(lanerr.Transport, fmt.Sprintf("connect to %s", peerDeviceID), err)
		}
	}

	sess := session.New(conn, e.sessionConfig(), e.trust, session.RoleInitiator)
	e.trackPending(sess)

	if err := sess.HandshakeHello(ctx); err != nil {
		e.untrackPending(sess)
		sess.Close()
		return nil, lanerr.New(lanerr.Transport, "HELLO exchange", err)
	}
	if sess.PeerDeviceID != peerDeviceID {
		e.untrackPending(sess)
		sess.Close()
		return nil, lanerr.New(lanerr.Protocol, fmt.Sprintf("dialed %s but peer identified as %s", peerDeviceID, sess.PeerDeviceID), nil)
	}

	if err := sess.HandshakeFinish(ctx); err != nil {
		e.untrackPending(sess)
		sess.Close()
		return nil, err
	}
	e.untrackPending(sess)

	ps := newPeerSession(sess)
	e.mu.Lock()
	e.sessions[peerDeviceID] = ps
	e.mu.Unlock()
	e.emit(Event{Kind: EventPaired, PeerDeviceID: peerDeviceID})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.runDispatch(ctx, ps)
		e.mu.Lock()
		if e.sessions[peerDeviceID] == ps {
			delete(e.sessions, peerDeviceID)
		}
		e.mu.Unlock()
		e.emit(Event{Kind: EventPeerDisconnected, PeerDeviceID: peerDeviceID, Detail: errString(err)})
	}()

	return ps, nil
}

// resolvePeerAddr finds a "host:port" to dial for peerDeviceID, preferring
// a live discovery sighting over the trust store's last known address.
func (e *Engine) resolvePeerAddr(ctx context.Context, peerDeviceID string) (string, bool) {
	for _, p := range e.disco.Peers() {
		if p.DeviceID == peerDeviceID {
			return fmt.Sprintf("%s:%d", p.IP, p.TCPPort), true
		}
	}
	if rec, ok := e.trust.Get(peerDeviceID); ok && rec.LastKnownIP != "" {
		return fmt.Sprintf("%s:%d", rec.LastKnownIP, e.cfg.TCPPort), true
	}
	if peer, found := e.disco.Discover(ctx, peerDeviceID, e.cfg.DiscoveryTimeout); found {
		return fmt.Sprintf("%s:%d", peer.IP, peer.TCPPort), true
	}
	return "", false
}

// runSendOnSession drives the stop-and-wait sender loop for one file over
// an already-Active session, per spec.md §4.4. It acquires ps.sendMu for
// its duration, serializing concurrent Send() calls targeting the same
// peer onto one transfer at a time.
func (e *Engine) runSendOnSession(ctx context.Context, ps *peerSession, desc transfer.Descriptor, absPath string, js *jobState) error {
	ps.sendMu.Lock()
	defer ps.sendMu.Unlock()

	f, err := os.Open(absPath)
	if err != nil {
		return lanerr.New(lanerr.State, "open source file", err)
	}
	defer f.Close()

	if err := ps.sess.SendJSON(protocol.TypeFileInfo, protocol.FileInfo{
		FileHash: desc.FileHash, FileName: desc.FileName, FileSize: desc.FileSize,
		ChunkSize: desc.ChunkSize, TotalChunks: desc.TotalChunks,
	}); err != nil {
		return lanerr.New(lanerr.Transport, "send FILE_INFO", err)
	}

	// The receiver acks both its own finalization and the sender's
	// FILE_COMPLETE, so the previous file on this session can leave one
	// FILE_COMPLETE_ACK queued ahead of this FILE_INFO's reply; skip it.
	reply, err := waitControl(ctx, ps, e.cfg.AckTimeout)
	for err == nil && reply.Type == protocol.TypeFileCompleteAck {
		reply, err = waitControl(ctx, ps, e.cfg.AckTimeout)
	}
	if err != nil {
		return err
	}

	var pending []uint32
	switch reply.Type {
	case protocol.TypeFileResume:
		var fr protocol.FileResume
		if err := json.Unmarshal(reply.Payload, &fr); err != nil {
			return lanerr.New(lanerr.Protocol, "malformed FILE_RESUME", err)
		}
		pending = subtractIndices(desc.TotalChunks, protocol.ExpandChunks(fr.Ranges))
	case protocol.TypeFileInfoAck:
		pending = subtractIndices(desc.TotalChunks, e.xfers.CompletedSet(desc.FileHash, transfer.RoleSender))
	case protocol.TypeError:
		return lanerr.New(lanerr.Protocol, "peer rejected FILE_INFO", nil)
	default:
		return lanerr.New(lanerr.Protocol, fmt.Sprintf("unexpected reply to FILE_INFO: %s", reply.Type), nil)
	}

	// Relay ps.acks (fed by dispatchFrame) through the state manager so
	// sender-side progress persists incrementally rather than only once the
	// whole file finishes, per spec.md §4.2's flush-on-N-chunks policy.
	// stopCh bounds the relay's lifetime to this call, since ps.acks itself
	// outlives any single file and must not be closed.
	stopCh := make(chan struct{})
	defer close(stopCh)
	relayAcks := make(chan uint32, 8)
	go func() {
		for {
			select {
			case idx := <-ps.acks:
				e.xfers.MarkComplete(desc.FileHash, transfer.RoleSender, idx)
				if prog, ok := e.xfers.Progress(desc.FileHash, transfer.RoleSender); ok {
					js.aggregator.Update(desc.FileHash, prog.BytesTransferred)
					e.emit(Event{
						Kind: EventTransferProgress, JobHandle: js.handle, PeerDeviceID: js.peerDeviceID, FileName: desc.FileName,
						Progress: Progress{BytesTransferred: prog.BytesTransferred, TotalBytes: desc.FileSize, ChunksDone: prog.ChunksDone, TotalChunks: prog.TotalChunks},
					})
				}
				select {
				case relayAcks <- idx:
				case <-stopCh:
					return
				}
			case <-stopCh:
				return
			}
		}
	}()

	sender := transfer.NewSender(ps.sess.FrameWriter(), relayAcks, e.cfg.AckTimeout, e.cfg.MaxRetry, desc.ChunkSize)
	if err := sender.SendFile(ctx, f, desc, pending); err != nil {
		return err
	}

	if err := ps.sess.SendJSON(protocol.TypeFileComplete, protocol.FileComplete{FileHash: desc.FileHash}); err != nil {
		return lanerr.New(lanerr.Transport, "send FILE_COMPLETE", err)
	}

	doneReply, err := waitControl(ctx, ps, e.cfg.AckTimeout)
	if err != nil {
		return err
	}
	switch doneReply.Type {
	case protocol.TypeFileCompleteAck:
		return nil
	case protocol.TypeError:
		return lanerr.New(lanerr.Integrity, "receiver reported a failed verification", nil)
	default:
		return lanerr.New(lanerr.Protocol, fmt.Sprintf("unexpected reply to FILE_COMPLETE: %s", doneReply.Type), nil)
	}
}

func waitControl(ctx context.Context, ps *peerSession, timeout time.Duration) (session.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-ps.control:
		return frame, nil
	case <-timer.C:
		return session.Frame{}, lanerr.New(lanerr.Transport, "timed out awaiting reply", nil)
	case <-ctx.Done():
		return session.Frame{}, lanerr.New(lanerr.Cancellation, "send cancelled", ctx.Err())
	}
}

// subtractIndices returns every index in [0, total) not present in done.
func subtractIndices(total int64, done []uint32) []uint32 {
	skip := make(map[uint32]bool, len(done))
	for _, idx := range done {
		skip[idx] = true
	}
	out := make([]uint32, 0, total)
	for i := uint32(0); int64(i) < total; i++ {
		if !skip[i] {
			out = append(out, i)
		}
	}
	return out
}
