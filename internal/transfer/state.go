package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lanshare/lanshare/internal/store"
	"github.com/lanshare/lanshare/pkg/protocol"
)

// sendingDir and receivingDir hold one Record per file_hash, split by role
// per spec.md §6's external-interfaces layout
// (sending/<file_hash>.json, receiving/<file_hash>.json).
const (
	sendingDir   = "sending"
	receivingDir = "receiving"
)

// StateManager owns every in-flight and terminal Record, persisting them
// under the store's sending/ and receiving/ directories. Per spec.md §4.5,
// a write to disk happens on whichever of these comes first:
// CHUNKS_PER_SYNC chunks since the last flush, STATE_SYNC_INTERVAL elapsed,
// FILE_COMPLETE, or a graceful shutdown (FlushAll).
type StateManager struct {
	mu            sync.Mutex
	st            *store.Store
	chunksPerSync int
	syncInterval  time.Duration
	records       map[string]*trackedRecord
}

type trackedRecord struct {
	Record
	completed map[uint32]bool
	dirty     int
	lastFlush time.Time
}

func NewStateManager(st *store.Store, chunksPerSync int, syncInterval time.Duration) *StateManager {
	return &StateManager{
		st:            st,
		chunksPerSync: chunksPerSync,
		syncInterval:  syncInterval,
		records:       make(map[string]*trackedRecord),
	}
}

// recordKey identifies an in-memory tracked record; it never reaches disk,
// so it can stay role-suffixed even though the persisted layout splits by
// directory instead.
func recordKey(fileHash string, role Role) string {
	return fileHash + "-" + string(role)
}

// roleDir maps a Role to its persisted directory per spec.md §6.
func roleDir(role Role) string {
	if role == RoleSender {
		return sendingDir
	}
	return receivingDir
}

func recordRelPath(fileHash string, role Role) string {
	return filepath.Join(roleDir(role), fileHash+".json")
}

// Open returns the Record for (fileHash, role): an already-tracked or
// disk-persisted one if present, otherwise a freshly created StatusActive
// record seeded from desc. A record present on disk but unparseable is
// quarantined (spec.md §4.2) rather than silently overwritten.
func (sm *StateManager) Open(desc Descriptor, role Role, peerDeviceID, filePath string) (Record, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	key := recordKey(desc.FileHash, role)
	if tr, ok := sm.records[key]; ok {
		return tr.Record, nil
	}

	path := recordRelPath(desc.FileHash, role)
	var persisted Record
	if err := sm.st.ReadJSON(path, &persisted); err == nil {
		if persisted.Descriptor.FileHash == desc.FileHash {
			tr := &trackedRecord{
				Record:    persisted,
				completed: toSet(persisted.CompletedRanges),
				lastFlush: time.Now(),
			}
			sm.records[key] = tr
			return tr.Record, nil
		}
		// Different content at this path: discard and start fresh below.
	} else if sm.st.Exists(path) {
		if qerr := sm.st.Quarantine(path); qerr != nil {
			return Record{}, qerr
		}
	}

	now := time.Now()
	rec := Record{
		Descriptor:   desc,
		Role:         role,
		PeerDeviceID: peerDeviceID,
		FilePath:     filePath,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tr := &trackedRecord{Record: rec, completed: make(map[uint32]bool), lastFlush: now}
	sm.records[key] = tr
	if err := sm.flushLocked(tr); err != nil {
		return Record{}, err
	}
	return tr.Record, nil
}

// MarkComplete records chunk index as received. Marking an index already
// present is a no-op, making duplicate FILE_DATA/FILE_ACK handling
// idempotent.
func (sm *StateManager) MarkComplete(fileHash string, role Role, index uint32) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	key := recordKey(fileHash, role)
	tr, ok := sm.records[key]
	if !ok {
		return fmt.Errorf("transfer: no open record for %s", key)
	}
	if tr.completed[index] {
		return nil
	}
	tr.completed[index] = true
	tr.dirty++
	tr.UpdatedAt = time.Now()

	if tr.dirty >= sm.chunksPerSync || time.Since(tr.lastFlush) >= sm.syncInterval {
		return sm.flushLocked(tr)
	}
	return nil
}

// CompletedSet returns the sorted set of completed chunk indices.
func (sm *StateManager) CompletedSet(fileHash string, role Role) []uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	tr, ok := sm.records[recordKey(fileHash, role)]
	if !ok {
		return nil
	}
	return setToSlice(tr.completed)
}

// Progress returns a live snapshot for (fileHash, role).
func (sm *StateManager) Progress(fileHash string, role Role) (Progress, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	tr, ok := sm.records[recordKey(fileHash, role)]
	if !ok {
		return Progress{}, false
	}
	tr.CompletedRanges = protocol.CompressChunks(setToSlice(tr.completed))
	return tr.Record.Progress(), true
}

// Finish transitions a record to a terminal status and flushes
// unconditionally, regardless of the dirty-chunk/interval policy.
func (sm *StateManager) Finish(fileHash string, role Role, status Status) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	key := recordKey(fileHash, role)
	tr, ok := sm.records[key]
	if !ok {
		return fmt.Errorf("transfer: no open record for %s", key)
	}
	tr.Status = status
	tr.UpdatedAt = time.Now()
	return sm.flushLocked(tr)
}

// SetPartPath records the receiver's .part file location for resume after
// a crash mid-transfer.
func (sm *StateManager) SetPartPath(fileHash string, role Role, partPath string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	key := recordKey(fileHash, role)
	tr, ok := sm.records[key]
	if !ok {
		return fmt.Errorf("transfer: no open record for %s", key)
	}
	tr.PartPath = partPath
	return sm.flushLocked(tr)
}

// EnumeratePending lists every StatusActive record on disk, across both the
// sending/ and receiving/ directories. A record that fails to parse is
// quarantined (spec.md §4.2) rather than dropped.
func (sm *StateManager) EnumeratePending() ([]Record, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var out []Record
	for _, dir := range []string{sendingDir, receivingDir} {
		recs, err := sm.enumerateDirLocked(dir)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (sm *StateManager) enumerateDirLocked(dir string) ([]Record, error) {
	entries, err := os.ReadDir(sm.st.Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Record
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		relPath := filepath.Join(dir, e.Name())
		var rec Record
		if err := sm.st.ReadJSON(relPath, &rec); err != nil {
			if qerr := sm.st.Quarantine(relPath); qerr != nil {
				return nil, qerr
			}
			continue
		}
		if rec.Status == StatusActive {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Delete drops a record from memory and disk. It is the only way a sending
// or receiving TransferRecord is destroyed; the engine calls it for a
// StatusComplete record reached through Finish, and on the receiving side
// for a transfer whose final hash verification failed.
func (sm *StateManager) Delete(fileHash string, role Role) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	key := recordKey(fileHash, role)
	delete(sm.records, key)
	return sm.st.Remove(recordRelPath(fileHash, role))
}

// FlushAll persists every tracked record unconditionally; called on
// graceful shutdown.
func (sm *StateManager) FlushAll() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, tr := range sm.records {
		if err := sm.flushLocked(tr); err != nil {
			return err
		}
	}
	return nil
}

func (sm *StateManager) flushLocked(tr *trackedRecord) error {
	tr.CompletedRanges = protocol.CompressChunks(setToSlice(tr.completed))
	path := recordRelPath(tr.Record.Descriptor.FileHash, tr.Record.Role)
	if err := sm.st.WriteJSON(path, &tr.Record); err != nil {
		return err
	}
	tr.dirty = 0
	tr.lastFlush = time.Now()
	return nil
}

func toSet(ranges []protocol.ChunkRange) map[uint32]bool {
	set := make(map[uint32]bool)
	for _, idx := range protocol.ExpandChunks(ranges) {
		set[idx] = true
	}
	return set
}

func setToSlice(set map[uint32]bool) []uint32 {
	out := make([]uint32, 0, len(set))
	for idx := range set {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
