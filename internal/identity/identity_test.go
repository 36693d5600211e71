package identity

import (
	"testing"

	"github.com/lanshare/lanshare/internal/store"
)

func TestLoadCreatesOnce(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	first, err := Load(st, 9527)
	if err != nil {
		t.Fatalf("Load (create): %v", err)
	}
	if first.DeviceID == "" {
		t.Fatal("expected non-empty device_id")
	}

	second, err := Load(st, 9527)
	if err != nil {
		t.Fatalf("Load (reload): %v", err)
	}
	if second.DeviceID != first.DeviceID {
		t.Fatalf("device_id changed across loads: %q != %q", second.DeviceID, first.DeviceID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("identity must never be regenerated once written")
	}
}
