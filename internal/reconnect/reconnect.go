// Package reconnect implements the supervisor from spec.md §4.9: on session
// failure with pending transfers, retry a direct dial to the peer's last
// known address, then fall back to a targeted discovery lookup before
// giving up and marking transfers stalled.
//
// No single teacher file matches this one-to-one; grounded on the
// retry/backoff shape of darkprince558-JEND's RunReceiver main loop
// (retryCount/maxRetries, time.Sleep backoff), generalized from "redial the
// same address" to "redial, then rediscover, then redial again".
package reconnect

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/lanshare/lanshare/internal/discovery"
	"github.com/lanshare/lanshare/internal/lanerr"
	"github.com/lanshare/lanshare/internal/trust"
)

// Dialer abstracts the TCP connect so tests can substitute a fake.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Config carries the timing parameters from spec.md §6.
type Config struct {
	ReconnectInterval   time.Duration
	MaxReconnectAttempt int
	DiscoveryTimeout    time.Duration
	ConnectTimeout      time.Duration
	TCPPort             int
}

// Supervisor re-establishes a TCP connection to a trusted peer after its
// session fails, per spec.md §4.9's ordered strategy list.
type Supervisor struct {
	cfg       Config
	dial      Dialer
	discovery *discovery.Service
	trust     *trust.Manager
}

// New builds a Supervisor. dial is normally transport.Dial.
func New(cfg Config, dial Dialer, disco *discovery.Service, trustMgr *trust.Manager) *Supervisor {
	return &Supervisor{cfg: cfg, dial: dial, discovery: disco, trust: trustMgr}
}

// Reconnect attempts, in order: up to MaxReconnectAttempt direct dials to
// the peer's last known IP; on total failure, a targeted discovery lookup
// for a refreshed IP, followed by one more round of direct dials. It
// returns the connected net.Conn, or a lanerr.Transport error if every
// strategy is exhausted (caller should mark the transfer stalled, never
// delete its record).
func (s *Supervisor) Reconnect(ctx context.Context, peerDeviceID string) (net.Conn, error) {
	rec, ok := s.trust.Get(peerDeviceID)
	if !ok {
		return nil, lanerr.New(lanerr.Transport, "reconnect: peer is not trusted", nil)
	}

	conn, err := s.dialRounds(ctx, rec.LastKnownIP)
	if err == nil {
		return conn, nil
	}

	peer, found := s.discovery.Discover(ctx, peerDeviceID, s.cfg.DiscoveryTimeout)
	if !found {
		return nil, lanerr.New(lanerr.Transport,
			fmt.Sprintf("reconnect: %s unreachable and not rediscovered", peerDeviceID), err)
	}
	s.trust.Touch(peerDeviceID, peer.IP)

	conn, err = s.dialRounds(ctx, peer.IP)
	if err != nil {
		return nil, lanerr.New(lanerr.Transport,
			fmt.Sprintf("reconnect: %s rediscovered at %s but still unreachable", peerDeviceID, peer.IP), err)
	}
	return conn, nil
}

func (s *Supervisor) dialRounds(ctx context.Context, ip string) (net.Conn, error) {
	if ip == "" {
		return nil, lanerr.New(lanerr.Transport, "no known address", nil)
	}
	addr := fmt.Sprintf("%s:%d", ip, s.cfg.TCPPort)

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxReconnectAttempt; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		conn, err := s.dial(dialCtx, addr)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-time.After(s.cfg.ReconnectInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
