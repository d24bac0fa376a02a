package config

import "sync"

// ListenerHandle identifies a registered config listener. Handles are
// opaque; callers keep them only to unregister.
type ListenerHandle int

// Holder provides thread-safe access to a mutable *Config, an immutable
// config file path, and an observer registry. The server and watcher read
// through a shared Holder, so a config save updates every consumer in
// exactly one place.
type Holder struct {
	mu        sync.RWMutex
	cfg       *Config
	path      string // immutable after construction
	listeners map[ListenerHandle]func(*Config)
	nextID    ListenerHandle
}

// NewHolder creates a Holder with the initial config and config file path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{
		cfg:       cfg,
		path:      path,
		listeners: make(map[ListenerHandle]func(*Config)),
	}
}

// Config returns the current config snapshot. Thread-safe (read lock).
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path. Thread-safe without locking because
// the path is immutable after construction.
func (h *Holder) Path() string {
	return h.path
}

// Listen registers a callback invoked after every successful Save. The
// returned handle unregisters it via Unlisten.
func (h *Holder) Listen(fn func(*Config)) ListenerHandle {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	h.listeners[h.nextID] = fn

	return h.nextID
}

// Unlisten removes a previously registered listener. Unknown handles are
// ignored.
func (h *Holder) Unlisten(handle ListenerHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.listeners, handle)
}

// Save persists cfg to the holder's path, replaces the in-memory snapshot,
// and notifies listeners. Listeners run outside the lock so they may call
// back into the holder.
func (h *Holder) Save(cfg *Config) error {
	if err := Save(h.path, cfg); err != nil {
		return err
	}

	h.mu.Lock()
	h.cfg = cfg

	notify := make([]func(*Config), 0, len(h.listeners))
	for _, fn := range h.listeners {
		notify = append(notify, fn)
	}
	h.mu.Unlock()

	for _, fn := range notify {
		fn(cfg)
	}

	return nil
}

// Signature returns the content signature of the current snapshot.
func (h *Holder) Signature() string {
	return Signature(h.Config())
}
