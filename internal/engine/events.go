package engine

// EventKind classifies an Event delivered to an on_event callback, per
// spec.md §6.
type EventKind string

const (
	EventPeerDiscovered   EventKind = "peer_discovered"
	EventPeerConnected    EventKind = "peer_connected"
	EventPeerDisconnected EventKind = "peer_disconnected"
	EventPairRequested    EventKind = "pair_requested"
	EventPaired           EventKind = "paired"
	EventTransferStarted  EventKind = "transfer_started"
	EventTransferProgress EventKind = "transfer_progress"
	EventTransferComplete EventKind = "transfer_complete"
	EventTransferFailed   EventKind = "transfer_failed"
	EventTransferStalled  EventKind = "transfer_stalled"
	EventReconnecting     EventKind = "reconnecting"
	EventReconnected      EventKind = "reconnected"
)

// Event is the payload handed to every registered on_event callback. Fields
// not relevant to Kind are left zero.
type Event struct {
	Kind         EventKind
	JobHandle    string
	PeerDeviceID string
	FileName     string
	Detail       string
	Progress     Progress
}

// Progress mirrors transfer.Progress for the single file an event names:
// every field counts that file only, including within a directory send.
// The aggregate across a whole job_handle is available from
// Engine.Progress.
type Progress struct {
	BytesTransferred int64
	TotalBytes       int64
	ChunksDone       int64
	TotalChunks      int64
}

// OnEvent registers a callback invoked for every Event the engine emits.
// Handlers run synchronously on the emitting goroutine and must not block.
func (e *Engine) OnEvent(fn func(Event)) {
	e.eventsMu.Lock()
	e.handlers = append(e.handlers, fn)
	e.eventsMu.Unlock()
}

func (e *Engine) emit(ev Event) {
	e.eventsMu.Lock()
	handlers := append([]func(Event){}, e.handlers...)
	e.eventsMu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}
