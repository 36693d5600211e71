package engine

import (
	"context"

	"github.com/lanshare/lanshare/internal/discovery"
	"github.com/lanshare/lanshare/internal/session"
	"github.com/lanshare/lanshare/internal/trust"
)

// PeerInfo merges a discovery.Peer sighting with its trust.PeerRecord, if
// any, for spec.md §6's list_peers().
type PeerInfo struct {
	DeviceID string
	Hostname string
	IP       string
	TCPPort  int
	Trusted  bool
}

// ListPeers returns every peer currently visible on the LAN beacon, plus
// any trusted peer not currently advertising (so a user can still see who
// they're paired with even if that device is offline).
func (e *Engine) ListPeers() []PeerInfo {
	seen := make(map[string]PeerInfo)
	for _, p := range e.disco.Peers() {
		seen[p.DeviceID] = peerInfoFromDiscovery(p, e.trust)
	}
	for _, rec := range e.trust.List() {
		if _, ok := seen[rec.DeviceID]; !ok {
			seen[rec.DeviceID] = peerInfoFromTrust(rec)
		}
	}
	out := make([]PeerInfo, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	return out
}

func peerInfoFromDiscovery(p discovery.Peer, trustMgr *trust.Manager) PeerInfo {
	return PeerInfo{
		DeviceID: p.DeviceID,
		Hostname: p.Hostname,
		IP:       p.IP,
		TCPPort:  p.TCPPort,
		Trusted:  trustMgr.IsTrusted(p.DeviceID),
	}
}

func peerInfoFromTrust(rec trust.PeerRecord) PeerInfo {
	return PeerInfo{
		DeviceID: rec.DeviceID,
		Hostname: rec.Hostname,
		IP:       rec.LastKnownIP,
		Trusted:  true,
	}
}

// Pair establishes a session with peerDeviceID and blocks until it reaches
// Active, without starting any transfer. It is the standalone counterpart
// to the pairing that happens implicitly inside Send: the `lanshare pair`
// subcommand uses it to let two devices trust each other ahead of time.
// If peerDeviceID is already trusted, this resolves immediately via the
// Trusted fast path (HandshakeFinish never reaches the pairing branch).
func (e *Engine) Pair(ctx context.Context, peerDeviceID string) error {
	_, err := e.connectToPeer(ctx, peerDeviceID)
	return err
}

// Revoke removes deviceID from the trusted-devices list, per spec.md §6's
// supplemented `lanshare revoke` operation. A subsequent connection from
// that device must re-run the pairing-code challenge.
func (e *Engine) Revoke(deviceID string) error {
	return e.trust.Revoke(deviceID)
}

// PendingPairCodes returns the acceptor-side pairing code for every
// in-progress inbound handshake awaiting a PAIR_REQ, keyed by the remote
// peer's device_id, per spec.md §6's pending_pair_codes().
func (e *Engine) PendingPairCodes() map[string]string {
	e.mu.Lock()
	sessions := append([]*session.Session{}, e.pending...)
	e.mu.Unlock()

	out := make(map[string]string)
	for _, s := range sessions {
		if code, ok := s.PendingCode(); ok && s.PeerDeviceID != "" {
			out[s.PeerDeviceID] = code
		}
	}
	return out
}

// SubmitPairCode delivers a pairing code to the in-progress initiator
// handshake for peerDeviceID, per spec.md §6's submit_pair_code(). It is a
// no-op if no such handshake is currently waiting for a code.
func (e *Engine) SubmitPairCode(peerDeviceID, code string) {
	e.mu.Lock()
	sessions := append([]*session.Session{}, e.pending...)
	e.mu.Unlock()

	for _, s := range sessions {
		if s.PeerDeviceID == peerDeviceID {
			s.SubmitCode(code)
			return
		}
	}
}
