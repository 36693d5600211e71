// Package identity implements the stable per-machine DeviceIdentity from
// spec.md §3: created once on first run, persisted, and never mutated.
package identity

import (
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/google/uuid"

	"github.com/lanshare/lanshare/internal/store"
)

const recordPath = "device_id.json"

// Identity is the stable peer identifier decoupled from IP, per spec.md §3.
type Identity struct {
	DeviceID       string    `json:"device_id"`
	Hostname       string    `json:"hostname"`
	User           string    `json:"user"`
	UUID           string    `json:"uuid"`
	AdvertisedPort int       `json:"advertised_port"`
	CreatedAt      time.Time `json:"created_at"`
}

// Load returns the persisted identity, creating one on first run. The
// identity is never regenerated once written; only deleting the underlying
// file resets it.
func Load(st *store.Store, advertisedPort int) (*Identity, error) {
	var id Identity
	if err := st.ReadJSON(recordPath, &id); err == nil {
		return &id, nil
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	username := "unknown-user"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}

	id = Identity{
		DeviceID:       fmt.Sprintf("%s-%s-%s", hostname, username, uuid.NewString()),
		Hostname:       hostname,
		User:           username,
		AdvertisedPort: advertisedPort,
		CreatedAt:      time.Now(),
	}
	// UUID is stored separately from device_id so the id field is the
	// source of truth while the raw uuid remains inspectable.
	id.UUID = id.DeviceID[len(id.DeviceID)-36:]

	if err := st.WriteJSON(recordPath, &id); err != nil {
		return nil, fmt.Errorf("identity: persist: %w", err)
	}
	return &id, nil
}
