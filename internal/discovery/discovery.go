// Package discovery implements the LAN peer-discovery protocol from
// spec.md §4.6: a periodic UDP broadcast beacon plus a targeted
// discover/discover_response lookup, maintaining a table of recently-seen
// peers with timeout eviction.
//
// This replaces the teacher's mDNS-based internal/discovery package
// (zeroconf advertise/browse) with raw UDP sockets, grounded on the
// teacher's own no-library socket style in internal/transport/tcp.go and on
// deb2000-sudo-trackshift/pkg/protocol/udp_protocol.go's explicit wire
// struct for a peer-to-peer UDP packet shape. Messages here are JSON rather
// than that repo's binary+CRC32 layout, since the discovery payloads are
// small and infrequent and the control-plane of this project is JSON
// throughout (pkg/protocol).
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	beaconInterval = 5 * time.Second
	peerTTL        = 15 * time.Second
)

type messageType string

const (
	msgAnnounce         messageType = "announce"
	msgDiscover         messageType = "discover"
	msgDiscoverResponse messageType = "discover_response"
)

type envelope struct {
	Type     messageType `json:"type"`
	DeviceID string      `json:"device_id"`
	Hostname string      `json:"hostname,omitempty"`
	TCPPort  int         `json:"tcp_port,omitempty"`
	TargetID string      `json:"target_device_id,omitempty"`
}

// Peer is a device observed via a beacon or a targeted lookup response.
type Peer struct {
	DeviceID   string
	Hostname   string
	IP         string
	TCPPort    int
	LastSeenAt time.Time
}

// Service runs the discovery beacon/listener and holds the live peer table.
type Service struct {
	conn     *net.UDPConn
	destAddr *net.UDPAddr
	deviceID string
	hostname string
	tcpPort  int

	mu    sync.Mutex
	peers map[string]Peer

	waitersMu sync.Mutex
	waiters   map[string][]chan Peer
}

// New binds the discovery UDP socket on listenPort. destAddr is where
// announce/discover packets are sent; an empty string defaults to the LAN
// broadcast address on listenPort. Tests pass an explicit "host:port" to
// target a specific peer directly, since two peers can't share a listen
// port on one host.
func New(listenPort int, deviceID, hostname string, tcpPort int, destAddr string) (*Service, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: listenPort})
	if err != nil {
		return nil, fmt.Errorf("discovery: listen udp: %w", err)
	}
	if destAddr == "" {
		destAddr = fmt.Sprintf("255.255.255.255:%d", listenPort)
	}
	dst, err := net.ResolveUDPAddr("udp4", destAddr)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("discovery: resolve destination addr: %w", err)
	}
	return &Service{
		conn:     conn,
		destAddr: dst,
		deviceID: deviceID,
		hostname: hostname,
		tcpPort:  tcpPort,
		peers:    make(map[string]Peer),
		waiters:  make(map[string][]chan Peer),
	}, nil
}

// Run drives the beacon ticker and the inbound-packet read loop until ctx
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	go s.beaconLoop(ctx)
	return s.readLoop(ctx)
}

func (s *Service) beaconLoop(ctx context.Context) {
	s.sendAnnounce()
	ticker := time.NewTicker(beaconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendAnnounce()
		}
	}
}

func (s *Service) sendAnnounce() {
	s.send(s.destAddr, envelope{Type: msgAnnounce, DeviceID: s.deviceID, Hostname: s.hostname, TCPPort: s.tcpPort})
}

func (s *Service) send(addr *net.UDPAddr, env envelope) {
	b, err := marshalEnvelope(env)
	if err != nil {
		return
	}
	s.conn.WriteToUDP(b, addr)
}

func marshalEnvelope(env envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (s *Service) readLoop(ctx context.Context) error {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		s.handlePacket(buf[:n], from)
	}
}

func (s *Service) handlePacket(data []byte, from *net.UDPAddr) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	if env.DeviceID == s.deviceID {
		return
	}
	switch env.Type {
	case msgAnnounce:
		s.recordPeer(env, from)
	case msgDiscover:
		if env.TargetID != "" && env.TargetID != s.deviceID {
			return
		}
		s.send(from, envelope{Type: msgDiscoverResponse, DeviceID: s.deviceID, Hostname: s.hostname, TCPPort: s.tcpPort})
	case msgDiscoverResponse:
		peer := s.recordPeer(env, from)
		s.notifyWaiters(env.DeviceID, peer)
	}
}

func (s *Service) recordPeer(env envelope, from *net.UDPAddr) Peer {
	peer := Peer{
		DeviceID:   env.DeviceID,
		Hostname:   env.Hostname,
		IP:         from.IP.String(),
		TCPPort:    env.TCPPort,
		LastSeenAt: time.Now(),
	}
	s.mu.Lock()
	s.peers[env.DeviceID] = peer
	s.mu.Unlock()
	return peer
}

func (s *Service) notifyWaiters(deviceID string, peer Peer) {
	s.waitersMu.Lock()
	chans := s.waiters[deviceID]
	delete(s.waiters, deviceID)
	s.waitersMu.Unlock()
	for _, ch := range chans {
		ch <- peer
	}
}

// Peers returns a snapshot of known peers, evicting any not seen within
// peerTTL (spec.md §4.6's eviction timeout).
func (s *Service) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(time.Now())
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *Service) pruneLocked(now time.Time) {
	for id, p := range s.peers {
		if now.Sub(p.LastSeenAt) > peerTTL {
			delete(s.peers, id)
		}
	}
}

// Discover sends a targeted lookup for deviceID and waits up to timeout for
// a matching discover_response.
func (s *Service) Discover(ctx context.Context, deviceID string, timeout time.Duration) (Peer, bool) {
	ch := make(chan Peer, 1)
	s.waitersMu.Lock()
	s.waiters[deviceID] = append(s.waiters[deviceID], ch)
	s.waitersMu.Unlock()

	s.send(s.destAddr, envelope{Type: msgDiscover, DeviceID: s.deviceID, TargetID: deviceID})

	select {
	case peer := <-ch:
		return peer, true
	case <-time.After(timeout):
		return Peer{}, false
	case <-ctx.Done():
		return Peer{}, false
	}
}

// Close releases the UDP socket.
func (s *Service) Close() error {
	return s.conn.Close()
}
