package guestsync

import "sync"

// Event names emitted by the Manager and Coordinator.
const (
	EventSyncStart       = "sync.start"
	EventSyncEntryFailed = "sync.entry.failed"
	EventSyncCompleted   = "sync.completed"
	EventNetworkOnline   = "network.online"
	EventNetworkOffline  = "network.offline"
	EventGuestLocal      = "guest.local"
	EventGroupLocal      = "group.local"
)

// SyncCompleted is the payload of sync.completed.
type SyncCompleted struct {
	Changes int `json:"changes"`
	Failed  int `json:"failed"`
}

// EntryFailed is the payload of sync.entry.failed.
type EntryFailed struct {
	Seq   int64      `json:"seq"`
	Kind  ActionKind `json:"kind"`
	Error string     `json:"error"`
}

// EventHandler handles emitted events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]EventHandler)}
}

// On registers handler for event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := append([]EventHandler(nil), e.listeners[event]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
