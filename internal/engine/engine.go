// Package engine wires identity, trust, discovery, the session state
// machine, and the chunked transfer layer into the single programmatic
// surface spec.md §6 names: list_peers, send, cancel, progress,
// pending_pair_codes, submit_pair_code, and on_event. It owns the TCP
// listener and every live Session, and is the only place in the module that
// knows how those pieces fit together.
//
// Grounded on the teacher's top-level wiring in cmd/jend/main.go (headless
// startSender/startReceiver), generalized from "one run is one transfer"
// into "one long-lived process serving many concurrent peers and jobs".
package engine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/lanshare/lanshare/internal/audit"
	"github.com/lanshare/lanshare/internal/config"
	"github.com/lanshare/lanshare/internal/discovery"
	"github.com/lanshare/lanshare/internal/identity"
	"github.com/lanshare/lanshare/internal/reconnect"
	"github.com/lanshare/lanshare/internal/session"
	"github.com/lanshare/lanshare/internal/store"
	"github.com/lanshare/lanshare/internal/transfer"
	"github.com/lanshare/lanshare/internal/transport"
	"github.com/lanshare/lanshare/internal/trust"
)

// Engine is the long-lived process state: one per running lanshare daemon.
type Engine struct {
	cfg      config.Config
	identity *identity.Identity
	trust    *trust.Manager
	store    *store.Store
	audit    *audit.Log
	xfers    *transfer.StateManager
	disco    *discovery.Service
	reconn   *reconnect.Supervisor
	listener *transport.Listener
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*peerSession // keyed by PeerDeviceID, only while Active
	pending  []*session.Session      // every live session not yet removed, incl. pre-Active

	jobsMu sync.Mutex
	jobs   map[string]*jobState

	eventsMu sync.Mutex
	handlers []func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// peerSession pairs an Active session.Session with the plumbing the engine
// needs to route frames for it: a channel of "reply" frames for whichever
// outbound job is currently waiting on one, and the inbound transfer state
// when this session is acting as a receiver.
type peerSession struct {
	sess *session.Session

	// acks carries decoded FILE_ACK/FILE_ACK_BATCH indices; control carries
	// every other reply-shaped frame (FILE_INFO_ACK, FILE_RESUME,
	// FILE_COMPLETE_ACK, ERROR). Both are filled by dispatchFrame, the
	// session's single reader, and drained by whichever outbound send is
	// currently using this session; sendMu enforces the spec's
	// one-active-transfer-per-session rule so there's never more than one
	// drainer.
	acks    chan uint32
	control chan session.Frame
	sendMu  sync.Mutex

	mu   sync.Mutex
	recv *inboundTransfer
}

func newPeerSession(sess *session.Session) *peerSession {
	return &peerSession{
		sess:    sess,
		acks:    make(chan uint32, 8),
		control: make(chan session.Frame, 4),
	}
}

// inboundTransfer is the receiver-side bookkeeping for the one transfer a
// session may have in flight at a time, per spec.md §5's one-active-
// transfer-per-session invariant.
type inboundTransfer struct {
	desc      transfer.Descriptor
	receiver  *transfer.Receiver
	partPath  string
	startedAt time.Time
}

// New constructs an Engine from cfg, creating the on-disk state root and
// loading identity/trust/transfer records from it. logger may be nil, in
// which case slog.Default() is used.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.New(cfg.StateDir())
	if err != nil {
		return nil, err
	}
	id, err := identity.Load(st, cfg.TCPPort)
	if err != nil {
		return nil, fmt.Errorf("engine: load identity: %w", err)
	}
	trustMgr, err := trust.New(st)
	if err != nil {
		return nil, fmt.Errorf("engine: load trust store: %w", err)
	}
	auditLog, err := audit.New(st)
	if err != nil {
		return nil, fmt.Errorf("engine: load history log: %w", err)
	}
	xfers := transfer.NewStateManager(st, cfg.ChunksPerSync, cfg.StateSyncInterval)

	disco, err := discovery.New(cfg.UDPPort, id.DeviceID, id.Hostname, cfg.TCPPort, "")
	if err != nil {
		return nil, fmt.Errorf("engine: start discovery: %w", err)
	}

	ln, err := transport.Listen(cfg.TCPPort)
	if err != nil {
		disco.Close()
		return nil, fmt.Errorf("engine: listen: %w", err)
	}

	reconnCfg := reconnect.Config{
		ReconnectInterval:   cfg.ReconnectInterval,
		MaxReconnectAttempt: cfg.MaxReconnectAttempt,
		DiscoveryTimeout:    cfg.DiscoveryTimeout,
		ConnectTimeout:      cfg.ConnectTimeout,
		TCPPort:             cfg.TCPPort,
	}
	reconn := reconnect.New(reconnCfg, transport.Dial, disco, trustMgr)

	e := &Engine{
		cfg:      cfg,
		identity: id,
		trust:    trustMgr,
		store:    st,
		audit:    auditLog,
		xfers:    xfers,
		disco:    disco,
		reconn:   reconn,
		listener: ln,
		log:      logger.With("device_id", id.DeviceID),
		sessions: make(map[string]*peerSession),
		jobs:     make(map[string]*jobState),
	}
	return e, nil
}

// Identity exposes the local device's stable identity.
func (e *Engine) Identity() *identity.Identity {
	return e.identity
}

// History exposes the transfer-history log for the lanshare history
// subcommand, per SPEC_FULL.md's supplemented history feature.
func (e *Engine) History() *audit.Log {
	return e.audit
}

// Start runs the discovery beacon/listener and the inbound TCP accept loop
// in the background. It returns once both are running; call Shutdown (via
// ctx cancellation) to stop them.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		if err := e.disco.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.log.Warn("discovery loop exited", "error", err)
		}
	}()
	go func() {
		defer e.wg.Done()
		e.acceptLoop(e.ctx)
	}()
}

// Shutdown stops the listener and discovery socket, waits for background
// goroutines to exit, and then flushes every tracked transfer record.
func (e *Engine) Shutdown() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.listener.Close()
	e.disco.Close()
	e.wg.Wait()
	return e.xfers.FlushAll()
}

func (e *Engine) acceptLoop(ctx context.Context) {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Warn("accept failed", "error", err)
			continue
		}
		go e.handleInbound(ctx, conn)
	}
}

func (e *Engine) sessionConfig() session.Config {
	return session.Config{
		LocalDeviceID:     e.identity.DeviceID,
		LocalHostname:     e.identity.Hostname,
		ProtocolVersion:   protocolVersion,
		ChunkSize:         e.cfg.ChunkSize,
		HeartbeatInterval: e.cfg.HeartbeatInterval,
		HeartbeatTimeout:  e.cfg.HeartbeatTimeout,
	}
}

// protocolVersion is spec.md §4.1's wire version, bumped whenever a message
// type or framing rule changes incompatibly.
const protocolVersion = 1

func (e *Engine) handleInbound(ctx context.Context, conn net.Conn) {
	sess := session.New(conn, e.sessionConfig(), e.trust, session.RoleAcceptor)
	e.trackPending(sess)

	if err := sess.HandshakeHello(ctx); err != nil {
		e.log.Debug("inbound HELLO failed", "error", err)
		e.untrackPending(sess)
		sess.Close()
		return
	}
	e.log.Info("inbound connection", "peer", sess.PeerDeviceID, "peer_host", sess.PeerHostname)

	pairWatchCtx, stopPairWatch := context.WithCancel(ctx)
	defer stopPairWatch()
	go e.watchPendingCode(pairWatchCtx, sess)

	// The session stays in e.pending through HandshakeFinish so
	// PendingPairCodes/SubmitPairCode can reach it while pairing is in
	// progress; it's removed the moment the handshake settles either way.
	err := sess.HandshakeFinish(ctx)
	e.untrackPending(sess)
	if err != nil {
		e.log.Warn("inbound handshake failed", "peer", sess.PeerDeviceID, "error", err)
		sess.Close()
		return
	}

	e.adoptActive(ctx, sess)
}

func (e *Engine) adoptActive(ctx context.Context, sess *session.Session) {
	ps := newPeerSession(sess)
	e.mu.Lock()
	e.sessions[sess.PeerDeviceID] = ps
	e.mu.Unlock()
	e.emit(Event{Kind: EventPeerConnected, PeerDeviceID: sess.PeerDeviceID})

	err := e.runDispatch(ctx, ps)

	e.mu.Lock()
	if e.sessions[sess.PeerDeviceID] == ps {
		delete(e.sessions, sess.PeerDeviceID)
	}
	e.mu.Unlock()
	e.emit(Event{Kind: EventPeerDisconnected, PeerDeviceID: sess.PeerDeviceID, Detail: errString(err)})
}

// runDispatch pumps frames out of sess.Frames() and into dispatchFrame until
// the session's Run loop ends, returning its error.
func (e *Engine) runDispatch(ctx context.Context, ps *peerSession) error {
	runErr := make(chan error, 1)
	go func() { runErr <- ps.sess.Run(ctx) }()

	for frame := range ps.sess.Frames() {
		e.dispatchFrame(ps, frame)
	}
	return <-runErr
}

// watchPendingCode polls sess.PendingCode and emits EventPairRequested once
// the acceptor-side pairing code becomes available, so an on_event
// subscriber can display it without itself polling PendingPairCodes.
func (e *Engine) watchPendingCode(ctx context.Context, sess *session.Session) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, ok := sess.PendingCode(); ok {
				e.emit(Event{Kind: EventPairRequested, PeerDeviceID: sess.PeerDeviceID})
				return
			}
		}
	}
}

func (e *Engine) trackPending(sess *session.Session) {
	e.mu.Lock()
	e.pending = append(e.pending, sess)
	e.mu.Unlock()
}

func (e *Engine) untrackPending(sess *session.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.pending {
		if s == sess {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// fileHash computes the SHA-256 of path up front, per SPEC_FULL.md's
// precomputed-hash decision: the whole file is hashed before FILE_INFO is
// sent so file_hash can double as both the transfer's identity and its
// integrity check, at the cost of reading the file twice for very large
// transfers.
func fileHash(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), info.Size(), nil
}
