// Package trust implements the trusted-devices list from spec.md §4.7: a
// peer that passes pairing once is promoted to "trusted" and bypasses the
// pairing code on every subsequent reconnect.
package trust

import (
	"sync"
	"time"

	"github.com/lanshare/lanshare/internal/store"
)

const recordPath = "trusted_devices.json"

// PeerRecord is a trusted peer, mutated in place on every successful
// connection per spec.md §3.
type PeerRecord struct {
	DeviceID    string    `json:"device_id"`
	Hostname    string    `json:"hostname"`
	LastKnownIP string    `json:"last_known_ip"`
	TrustedAt   time.Time `json:"trusted_at"`
	LastSeen    time.Time `json:"last_seen"`
}

type document struct {
	Devices []PeerRecord `json:"devices"`
}

// Manager owns the trusted-devices list; all mutation goes through its
// methods so writes are serialized and always atomic.
type Manager struct {
	mu      sync.Mutex
	st      *store.Store
	devices map[string]PeerRecord
}

// New loads (or creates) the trusted-devices list.
func New(st *store.Store) (*Manager, error) {
	m := &Manager{st: st, devices: make(map[string]PeerRecord)}

	var doc document
	if err := st.ReadJSON(recordPath, &doc); err != nil {
		if st.Exists(recordPath) {
			if qerr := st.Quarantine(recordPath); qerr != nil {
				return nil, qerr
			}
		}
		return m, nil
	}
	for _, p := range doc.Devices {
		m.devices[p.DeviceID] = p
	}
	return m, nil
}

// IsTrusted reports whether deviceID has completed pairing before.
func (m *Manager) IsTrusted(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.devices[deviceID]
	return ok
}

// Trust adds (or updates in place) a trusted peer. Calling Trust twice for
// the same device_id is idempotent by device_id, per spec.md's round-trip
// law.
func (m *Manager) Trust(deviceID, hostname, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec, existed := m.devices[deviceID]
	if !existed {
		rec = PeerRecord{DeviceID: deviceID, TrustedAt: now}
	}
	rec.Hostname = hostname
	rec.LastKnownIP = ip
	rec.LastSeen = now
	m.devices[deviceID] = rec

	return m.persistLocked()
}

// Touch updates last_known_ip and last_seen for an already-trusted peer.
func (m *Manager) Touch(deviceID, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.devices[deviceID]
	if !ok {
		return nil
	}
	rec.LastKnownIP = ip
	rec.LastSeen = time.Now()
	m.devices[deviceID] = rec
	return m.persistLocked()
}

// Revoke removes a peer from the trusted set. This is the only way a
// PeerRecord is ever destroyed, per spec.md §3.
func (m *Manager) Revoke(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, deviceID)
	return m.persistLocked()
}

// Get returns the trusted record for deviceID, if any.
func (m *Manager) Get(deviceID string) (PeerRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.devices[deviceID]
	return rec, ok
}

// List returns a snapshot of all trusted peers.
func (m *Manager) List() []PeerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerRecord, 0, len(m.devices))
	for _, rec := range m.devices {
		out = append(out, rec)
	}
	return out
}

func (m *Manager) persistLocked() error {
	doc := document{Devices: make([]PeerRecord, 0, len(m.devices))}
	for _, rec := range m.devices {
		doc.Devices = append(doc.Devices, rec)
	}
	return m.st.WriteJSON(recordPath, &doc)
}
