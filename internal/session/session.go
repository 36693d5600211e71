// Package session implements the pairing/trust state machine and
// per-connection heartbeat from spec.md §4.8: Init → Handshake →
// (Pairing | Trusted) → Active → Closing → Closed, with Failed reachable
// from any non-terminal state.
//
// A Session owns its net.Conn exclusively (spec.md §5's "sockets: each
// session's transport is owned by exactly one session worker"). It knows
// nothing about transfer bookkeeping: once Active, inbound frames are
// handed to its caller over Frames() and outbound frames go through Send;
// the caller (internal/engine) owns the TransferRecord logic, matching
// spec.md §9's "model as message passing, avoid bidirectional strong
// ownership" design note.
package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/lanshare/lanshare/internal/lanerr"
	"github.com/lanshare/lanshare/internal/trust"
	"github.com/lanshare/lanshare/pkg/protocol"
)

// State is a position in spec.md §4.8's state machine.
type State int

const (
	StateInit State = iota
	StateHandshake
	StatePairing
	StateTrusted
	StateActive
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	names := [...]string{"Init", "Handshake", "Pairing", "Trusted", "Active", "Closing", "Closed", "Failed"}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// Role distinguishes which side of the TCP connection a Session is: the
// initiator dialed out, the acceptor took the inbound Accept().
type Role int

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

const maxPairFailures = 3

// Config carries every timing/identity parameter the state machine needs.
type Config struct {
	LocalDeviceID     string
	LocalHostname     string
	ProtocolVersion   int
	ChunkSize         int64
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Frame is one decoded inbound message delivered to the caller once a
// Session has reached the Active state.
type Frame struct {
	Type    protocol.Type
	Payload []byte
}

// Session drives one TCP connection through the pairing/trust handshake and
// then multiplexes transfer + heartbeat frames for as long as it stays
// Active.
type Session struct {
	conn  net.Conn
	cfg   Config
	trust *trust.Manager
	role  Role

	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	PeerDeviceID string
	PeerHostname string
	lastFrameAt  time.Time
	failReason   error

	pairMu      sync.Mutex
	pairingCode string
	codeSubmit  chan string

	frames    chan Frame
	closeCh   chan struct{}
	closeOnce sync.Once
	byeOnce   sync.Once
}

// New wraps conn in a Session. trustMgr decides whether the peer can take
// the Trusted fast path once its device_id is known from HELLO.
func New(conn net.Conn, cfg Config, trustMgr *trust.Manager, role Role) *Session {
	return &Session{
		conn:       conn,
		cfg:        cfg,
		trust:      trustMgr,
		role:       role,
		state:      StateInit,
		codeSubmit: make(chan string, 1),
		frames:     make(chan Frame, 16),
		closeCh:    make(chan struct{}),
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current position in the state machine.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerIP is the remote address of the underlying connection, used to update
// trust.PeerRecord.LastKnownIP on every successful connect.
func (s *Session) PeerIP() string {
	if host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String()); err == nil {
		return host
	}
	return s.conn.RemoteAddr().String()
}

func (s *Session) maxFrame() uint32 {
	return protocol.MaxFrameLen(s.cfg.ChunkSize)
}

// Handshake runs HandshakeHello followed by HandshakeFinish: the full
// spec.md §4.8 flow from Init to Active in one call. Callers that need to
// register the session by PeerDeviceID before pairing completes (so
// SubmitCode/PendingCode can be reached mid-handshake) should call the two
// phases separately instead.
func (s *Session) Handshake(ctx context.Context) error {
	if err := s.HandshakeHello(ctx); err != nil {
		return err
	}
	return s.HandshakeFinish(ctx)
}

// HandshakeHello exchanges HELLO frames and validates the protocol version,
// leaving PeerDeviceID/PeerHostname populated. HELLO_ACK is exchanged later,
// on HandshakeFinish's Trusted path. Must be followed by HandshakeFinish.
func (s *Session) HandshakeHello(ctx context.Context) error {
	s.setState(StateHandshake)

	hello := protocol.Hello{
		DeviceID:        s.cfg.LocalDeviceID,
		Hostname:        s.cfg.LocalHostname,
		ProtocolVersion: s.cfg.ProtocolVersion,
	}

	type helloResult struct {
		hello protocol.Hello
		err   error
	}
	helloCh := make(chan helloResult, 1)
	go func() {
		var peerHello protocol.Hello
		if err := s.writeJSON(protocol.TypeHello, hello); err != nil {
			helloCh <- helloResult{err: lanerr.New(lanerr.Transport, "send HELLO", err)}
			return
		}
		if err := protocol.DecodeJSON(s.conn, protocol.TypeHello, &peerHello, 0); err != nil {
			helloCh <- helloResult{err: lanerr.New(lanerr.Protocol, "read HELLO", err)}
			return
		}
		helloCh <- helloResult{hello: peerHello}
	}()

	var res helloResult
	select {
	case res = <-helloCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.err != nil {
		s.setState(StateFailed)
		return res.err
	}
	if res.hello.ProtocolVersion != s.cfg.ProtocolVersion {
		s.sendError("version", "protocol version mismatch")
		s.setState(StateFailed)
		return lanerr.New(lanerr.Protocol, "protocol version mismatch", nil)
	}

	s.mu.Lock()
	s.PeerDeviceID = res.hello.DeviceID
	s.PeerHostname = res.hello.Hostname
	s.mu.Unlock()
	return nil
}

// HandshakeFinish runs the Trusted fast path or the pairing-code challenge,
// ending in StateActive on success. Callers that registered the session by
// PeerDeviceID after HandshakeHello (so PendingCode/SubmitCode are reachable
// during this call) should invoke it afterward; Handshake calls both phases
// back to back for callers that don't need that window.
func (s *Session) HandshakeFinish(ctx context.Context) error {
	if s.trust.IsTrusted(s.PeerDeviceID) {
		return s.trustedHandshake(ctx)
	}
	return s.pairingHandshake(ctx)
}

func (s *Session) trustedHandshake(ctx context.Context) error {
	s.setState(StatePairing) // transient; both sides exchange HELLO_ACK below
	ackErr := make(chan error, 1)
	go func() {
		if err := s.writeFrame(protocol.TypeHelloAck, nil); err != nil {
			ackErr <- err
			return
		}
		_, _, err := protocol.ReadFrame(s.conn, 0)
		ackErr <- err
	}()
	select {
	case err := <-ackErr:
		if err != nil {
			s.setState(StateFailed)
			return lanerr.New(lanerr.Transport, "HELLO_ACK exchange", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	s.trust.Touch(s.PeerDeviceID, s.PeerIP())
	s.setState(StateTrusted)
	s.setState(StateActive)
	return nil
}

// pairingHandshake runs the 6-digit pairing-code challenge from spec.md
// §4.8. The acceptor generates the code and exposes it via PendingCode for
// the UI collaborator to display; the initiator waits for the user to call
// SubmitCode with a transcribed value before sending PAIR_REQ.
func (s *Session) pairingHandshake(ctx context.Context) error {
	s.setState(StatePairing)

	if s.role == RoleAcceptor {
		return s.pairAsAcceptor(ctx)
	}
	return s.pairAsInitiator(ctx)
}

func (s *Session) pairAsAcceptor(ctx context.Context) error {
	code, err := generateCode()
	if err != nil {
		s.setState(StateFailed)
		return lanerr.New(lanerr.Pairing, "generate pairing code", err)
	}
	s.pairMu.Lock()
	s.pairingCode = code
	s.pairMu.Unlock()

	for attempt := 0; attempt < maxPairFailures; attempt++ {
		var req protocol.PairReq
		readErr := make(chan error, 1)
		go func() { readErr <- protocol.DecodeJSON(s.conn, protocol.TypePairReq, &req, 0) }()
		select {
		case err := <-readErr:
			if err != nil {
				s.setState(StateFailed)
				return lanerr.New(lanerr.Protocol, "read PAIR_REQ", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		if req.Code == code {
			if err := s.writeFrame(protocol.TypePairOK, nil); err != nil {
				s.setState(StateFailed)
				return lanerr.New(lanerr.Transport, "send PAIR_OK", err)
			}
			s.trust.Trust(s.PeerDeviceID, s.PeerHostname, s.PeerIP())
			s.setState(StateTrusted)
			s.setState(StateActive)
			return nil
		}
		if err := s.writeFrame(protocol.TypePairFail, nil); err != nil {
			s.setState(StateFailed)
			return lanerr.New(lanerr.Transport, "send PAIR_FAIL", err)
		}
	}
	s.sendError("pairing_refused", "too many incorrect pairing codes")
	s.setState(StateFailed)
	return lanerr.New(lanerr.Pairing, "pairing refused after 3 failures", nil)
}

func (s *Session) pairAsInitiator(ctx context.Context) error {
	for attempt := 0; attempt < maxPairFailures; attempt++ {
		var code string
		select {
		case code = <-s.codeSubmit:
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := s.writeJSON(protocol.TypePairReq, protocol.PairReq{Code: code}); err != nil {
			s.setState(StateFailed)
			return lanerr.New(lanerr.Transport, "send PAIR_REQ", err)
		}

		ty, _, err := protocol.ReadFrame(s.conn, 0)
		if err != nil {
			s.setState(StateFailed)
			return lanerr.New(lanerr.Protocol, "read pairing reply", err)
		}
		switch ty {
		case protocol.TypePairOK:
			s.trust.Trust(s.PeerDeviceID, s.PeerHostname, s.PeerIP())
			s.setState(StateTrusted)
			s.setState(StateActive)
			return nil
		case protocol.TypePairFail:
			continue
		case protocol.TypeError:
			s.setState(StateFailed)
			return lanerr.New(lanerr.Pairing, "peer rejected pairing", nil)
		default:
			s.setState(StateFailed)
			return lanerr.New(lanerr.Protocol, fmt.Sprintf("unexpected frame %s during pairing", ty), nil)
		}
	}
	s.setState(StateFailed)
	return lanerr.New(lanerr.Pairing, "exhausted pairing attempts", nil)
}

// SubmitCode delivers a user-transcribed pairing code to an in-progress
// initiator handshake. Non-blocking: a code submitted with no handshake
// waiting for it is dropped, matching the one-shot nature of a pairing
// attempt.
func (s *Session) SubmitCode(code string) {
	select {
	case s.codeSubmit <- code:
	default:
	}
}

// PendingCode returns the acceptor-generated pairing code awaiting
// transcription, for spec.md §6's pending_pair_codes().
func (s *Session) PendingCode() (string, bool) {
	s.pairMu.Lock()
	defer s.pairMu.Unlock()
	return s.pairingCode, s.pairingCode != ""
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Run starts the heartbeat ticker and the inbound read loop. It blocks
// until the connection fails, a protocol error occurs, or ctx is cancelled,
// delivering every frame received while Active onto Frames().
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	s.lastFrameAt = time.Now()
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.heartbeatLoop(runCtx)
	go s.watchdogLoop(runCtx)

	err := s.readLoop(runCtx)
	close(s.frames)
	s.mu.Lock()
	if s.state != StateClosed && s.state != StateClosing {
		s.state = StateFailed
		s.failReason = err
	}
	s.mu.Unlock()
	s.finish()
	return err
}

func (s *Session) finish() {
	s.closeOnce.Do(func() { close(s.closeCh) })
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeFrame(protocol.TypeHeartbeat, nil)
		}
	}
}

func (s *Session) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := time.Since(s.lastFrameAt) > s.cfg.HeartbeatTimeout
			s.mu.Unlock()
			if stale {
				s.conn.Close()
				return
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		ty, payload, err := protocol.ReadFrame(s.conn, s.maxFrame())
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.lastFrameAt = time.Now()
		s.mu.Unlock()

		if ty == protocol.TypeBye {
			return nil
		}
		select {
		case s.frames <- Frame{Type: ty, Payload: payload}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Frames is the inbound channel of Active-state frames, closed when Run
// returns.
func (s *Session) Frames() <-chan Frame {
	return s.frames
}

// Send writes a raw (already-encoded) payload frame, e.g. a FILE_DATA or
// FILE_ACK built by internal/transfer. Safe for concurrent use alongside
// the heartbeat loop.
func (s *Session) Send(t protocol.Type, payload []byte) error {
	return s.writeFrame(t, payload)
}

// SendJSON marshals v as a control-message payload and writes it.
func (s *Session) SendJSON(t protocol.Type, v any) error {
	return s.writeJSON(t, v)
}

func (s *Session) writeFrame(t protocol.Type, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.WriteFrame(s.conn, t, payload, s.maxFrame())
}

func (s *Session) writeJSON(t protocol.Type, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeFrame(t, payload)
}

// frameWriter serializes whole frames through Session's write lock so
// internal/transfer.Sender's chunk loop can write FILE_DATA frames without
// racing the heartbeat ticker on the same connection. protocol.WriteFrame
// builds each frame as one buffer and issues one Write call, so a single
// lock/unlock per Write here is enough to keep frames from interleaving.
type frameWriter struct{ s *Session }

func (f frameWriter) Write(p []byte) (int, error) {
	f.s.writeMu.Lock()
	defer f.s.writeMu.Unlock()
	return f.s.conn.Write(p)
}

// FrameWriter returns an io.Writer suitable for internal/transfer.NewSender.
func (s *Session) FrameWriter() io.Writer {
	return frameWriter{s}
}

func (s *Session) sendError(kind, detail string) {
	s.writeJSON(protocol.TypeError, protocol.ErrorMsg{Kind: kind, Detail: detail})
}

// Close sends BYE (best-effort) and closes the underlying connection. Safe
// to call more than once; the first call drives the Closing -> Closed
// transition, any Run goroutine still blocked in readLoop unblocks on the
// resulting conn.Close() and exits without overwriting the Closed state.
func (s *Session) Close() error {
	var err error
	s.byeOnce.Do(func() {
		s.setState(StateClosing)
		s.writeFrame(protocol.TypeBye, nil)
		err = s.conn.Close()
		s.setState(StateClosed)
	})
	s.finish()
	return err
}

// Closed reports the channel closed when the session finishes shutting
// down.
func (s *Session) Closed() <-chan struct{} {
	return s.closeCh
}

// FailReason returns the error that caused a Failed transition, if any.
func (s *Session) FailReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failReason
}
