package discovery

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

func newTestService(t *testing.T, deviceID string, destAddr string) *Service {
	t.Helper()
	s, err := New(0, deviceID, deviceID+"-host", 9527, destAddr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHandlePacketRecordsAnnouncedPeer(t *testing.T) {
	s := newTestService(t, "self-device", "127.0.0.1:1")
	from := &net.UDPAddr{IP: net.ParseIP("192.168.1.50"), Port: 9528}

	env := envelope{Type: msgAnnounce, DeviceID: "peer-device", Hostname: "peer-host", TCPPort: 9527}
	data, _ := jsonMarshal(env)
	s.handlePacket(data, from)

	peers := s.Peers()
	if len(peers) != 1 || peers[0].DeviceID != "peer-device" || peers[0].IP != "192.168.1.50" {
		t.Fatalf("expected one recorded peer, got %+v", peers)
	}
}

func TestHandlePacketIgnoresSelfAnnouncement(t *testing.T) {
	s := newTestService(t, "self-device", "127.0.0.1:1")
	from := &net.UDPAddr{IP: net.ParseIP("192.168.1.50"), Port: 9528}

	env := envelope{Type: msgAnnounce, DeviceID: "self-device", Hostname: "self-host", TCPPort: 9527}
	data, _ := jsonMarshal(env)
	s.handlePacket(data, from)

	if peers := s.Peers(); len(peers) != 0 {
		t.Fatalf("expected self-announcement to be ignored, got %+v", peers)
	}
}

func TestPeerEvictionAfterTTL(t *testing.T) {
	s := newTestService(t, "self-device", "127.0.0.1:1")
	s.mu.Lock()
	s.peers["stale-peer"] = Peer{DeviceID: "stale-peer", LastSeenAt: time.Now().Add(-peerTTL - time.Second)}
	s.peers["fresh-peer"] = Peer{DeviceID: "fresh-peer", LastSeenAt: time.Now()}
	s.mu.Unlock()

	peers := s.Peers()
	if len(peers) != 1 || peers[0].DeviceID != "fresh-peer" {
		t.Fatalf("expected only the fresh peer to survive eviction, got %+v", peers)
	}
}

func TestDiscoverRoundTripOverLoopback(t *testing.T) {
	b, err := New(0, "device-b", "bravo", 9527, "127.0.0.1:1")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	bPort := b.conn.LocalAddr().(*net.UDPAddr).Port

	a, err := New(0, "device-a", "alpha", 9527, fmt.Sprintf("127.0.0.1:%d", bPort))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	aPort := a.conn.LocalAddr().(*net.UDPAddr).Port
	b.destAddr = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: aPort}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.readLoop(ctx)
	go b.readLoop(ctx)

	peer, ok := a.Discover(ctx, "device-b", 2*time.Second)
	if !ok {
		t.Fatal("expected to discover device-b over loopback")
	}
	if peer.DeviceID != "device-b" || peer.Hostname != "bravo" {
		t.Fatalf("unexpected peer: %+v", peer)
	}
}

func jsonMarshal(env envelope) ([]byte, error) {
	return marshalEnvelope(env)
}
