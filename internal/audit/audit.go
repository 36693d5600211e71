// Package audit implements the supplemented transfer-history feature from
// SPEC_FULL.md: a record of every TransferRecord that reached a terminal
// state, queryable by the lanshare history subcommand.
package audit

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	petname "github.com/dustinkirkland/golang-petname"

	"github.com/lanshare/lanshare/internal/store"
)

// LogEntry represents one TransferRecord reaching a terminal state
// (complete, failed, or stalled), per SPEC_FULL.md's supplemented
// transfer-history feature.
type LogEntry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Role         string    `json:"role"` // "sender" or "receiver"
	FileName     string    `json:"file_name"`
	FileSize     int64     `json:"file_size"`
	FileHash     string    `json:"file_hash"`
	PeerDeviceID string    `json:"peer_device_id"`
	Status       string    `json:"status"` // "success", "failed", or "stalled"
	Error        string    `json:"error,omitempty"`
	Duration     float64   `json:"duration_seconds"`
}

const recordPath = "history.json"

// maxEntries bounds the log the same way the teacher's JSONL pruned to the
// last 1000 lines, just against an in-memory slice instead of a scan.
const maxEntries = 1000

type document struct {
	Entries []LogEntry `json:"entries"`
}

// Log owns the transfer-history document, persisted atomically through
// internal/store the same way internal/trust owns trusted_devices.json --
// no process-wide path override, just a store handed in at construction.
type Log struct {
	mu      sync.Mutex
	st      *store.Store
	entries []LogEntry
}

// New loads (or creates) the transfer-history log from st.
func New(st *store.Store) (*Log, error) {
	l := &Log{st: st}

	var doc document
	if err := st.ReadJSON(recordPath, &doc); err != nil {
		if st.Exists(recordPath) {
			if qerr := st.Quarantine(recordPath); qerr != nil {
				return nil, qerr
			}
		}
		return l, nil
	}
	l.entries = doc.Entries
	return l, nil
}

// WriteEntry appends entry to the history, pruning to the last maxEntries
// by timestamp, and persists the result.
func (l *Log) WriteEntry(entry LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.ID == "" {
		entry.ID = petname.Generate(2, "-")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	l.entries = append(l.entries, entry)
	sort.Slice(l.entries, func(i, j int) bool {
		return l.entries[i].Timestamp.After(l.entries[j].Timestamp)
	})
	if len(l.entries) > maxEntries {
		l.entries = l.entries[:maxEntries]
	}

	return l.persistLocked()
}

// Clear deletes every entry in the history.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	return l.st.Remove(recordPath)
}

// Entry finds the first entry whose ID has the given prefix.
func (l *Log) Entry(id string) (LogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if strings.HasPrefix(e.ID, id) {
			return e, true
		}
	}
	return LogEntry{}, false
}

// All returns every entry, newest first.
func (l *Log) All() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) persistLocked() error {
	return l.st.WriteJSON(recordPath, &document{Entries: l.entries})
}

// --- Display logic ---

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)

	statusSuccessStr = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")).Render("SUCCESS")
	statusFailStr    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Render("FAILED")
)

// ShowHistory prints every entry as a table: DATE | ROLE | FILE | SIZE |
// TIME | STATUS | HASH.
func (l *Log) ShowHistory() {
	entries := l.All()
	if len(entries) == 0 {
		fmt.Println("No transfer history found.")
		return
	}

	fmt.Println("")
	fmt.Printf("%s %s %s %s %s %s %s\n",
		headerStyle.Width(20).Render("DATE"),
		headerStyle.Width(10).Render("ROLE"),
		headerStyle.Width(25).Render("FILE"),
		headerStyle.Width(10).Render("SIZE"),
		headerStyle.Width(8).Render("TIME"),
		headerStyle.Width(10).Render("STATUS"),
		headerStyle.Width(10).Render("HASH"),
	)
	fmt.Println("")

	for _, e := range entries {
		ts := e.Timestamp.Format("2006-01-02 15:04")
		file := e.FileName
		if len(file) > 23 {
			file = file[:20] + "..."
		}
		size := formatBytes(e.FileSize)
		duration := fmt.Sprintf("%.1fs", e.Duration)
		status := statusSuccessStr
		if e.Status != "success" {
			status = statusFailStr
		}
		hash := ""
		if len(e.FileHash) > 8 {
			hash = e.FileHash[:8] + "..."
		}

		roleStr := lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA500")).Render("SENDER")
		if e.Role != "sender" {
			roleStr = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FFFF")).Render("RECEIVER")
		}

		fmt.Printf("%s %s %s %s %s %s %s\n",
			rowStyle.Width(20).Render(ts),
			rowStyle.Width(10).Render(roleStr),
			rowStyle.Width(25).Render(file),
			rowStyle.Width(10).Render(size),
			rowStyle.Width(8).Render(duration),
			rowStyle.Width(10).Render(status),
			rowStyle.Width(10).Render(hash),
		)
	}
	fmt.Println("")
}

// ShowDetail prints the full record for the entry whose ID has the given
// prefix.
func (l *Log) ShowDetail(id string) {
	entry, ok := l.Entry(id)
	if !ok {
		fmt.Printf("Error: no entry matching %q\n", id)
		return
	}

	fmt.Println("")
	fmt.Println(headerStyle.Render("TRANSFER DETAILS"))
	fmt.Println("")

	printKV := func(k, v string) {
		fmt.Printf("%s %s\n", lipgloss.NewStyle().Bold(true).Width(15).Foreground(lipgloss.Color("240")).Render(k+":"), v)
	}

	printKV("ID", entry.ID)
	printKV("Date", entry.Timestamp.Format(time.RFC822))
	printKV("Role", strings.ToUpper(entry.Role))
	printKV("Status", entry.Status)
	printKV("File", entry.FileName)
	printKV("Size", formatBytes(entry.FileSize))
	printKV("Peer", entry.PeerDeviceID)
	printKV("Duration", fmt.Sprintf("%.2fs", entry.Duration))
	fmt.Println("")

	fmt.Println(lipgloss.NewStyle().Bold(true).Render("Integrity Proof:"))
	fmt.Println(lipgloss.NewStyle().Foreground(lipgloss.Color("#00FFFF")).Render(entry.FileHash))
	fmt.Println("")

	if entry.Error != "" {
		fmt.Println(lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF0000")).Render("Error Log:"))
		fmt.Println(entry.Error)
		fmt.Println("")
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
