package trust

import (
	"testing"

	"github.com/lanshare/lanshare/internal/store"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m, err := New(st)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestTrustIsIdempotentByDeviceID(t *testing.T) {
	m := newManager(t)

	if err := m.Trust("A-u-1111", "alice-laptop", "192.168.1.10"); err != nil {
		t.Fatal(err)
	}
	before := m.List()

	if err := m.Trust("A-u-1111", "alice-laptop", "192.168.1.10"); err != nil {
		t.Fatal(err)
	}
	after := m.List()

	if len(before) != 1 || len(after) != 1 {
		t.Fatalf("expected exactly one trusted entry, got before=%d after=%d", len(before), len(after))
	}
	if before[0].TrustedAt != after[0].TrustedAt {
		t.Fatal("re-trusting the same device_id should not reset trusted_at identity")
	}
}

func TestRevokeRemovesPeer(t *testing.T) {
	m := newManager(t)
	if err := m.Trust("B-u-2222", "bob-desktop", "192.168.1.20"); err != nil {
		t.Fatal(err)
	}
	if !m.IsTrusted("B-u-2222") {
		t.Fatal("expected B-u-2222 to be trusted")
	}
	if err := m.Revoke("B-u-2222"); err != nil {
		t.Fatal(err)
	}
	if m.IsTrusted("B-u-2222") {
		t.Fatal("expected B-u-2222 to be revoked")
	}
}

func TestTrustPersistsAcrossReload(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m1, err := New(st)
	if err != nil {
		t.Fatal(err)
	}
	if err := m1.Trust("C-u-3333", "carol", "10.0.0.5"); err != nil {
		t.Fatal(err)
	}

	m2, err := New(st)
	if err != nil {
		t.Fatal(err)
	}
	if !m2.IsTrusted("C-u-3333") {
		t.Fatal("expected trust to survive reload from disk")
	}
}
