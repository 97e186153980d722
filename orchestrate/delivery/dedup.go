package delivery

import (
	"container/list"
	"sync"
	"time"

	"github.com/tailored-agentic-units/relay/clock"
)

// Deduper remembers envelope ids a consumer has already processed.
type Deduper interface {
	// Seen records id and reports whether it was already present.
	Seen(id string) bool
	// Forget removes id so a later delivery is processed again.
	Forget(id string)
}

// WindowConfig bounds a Window.
type WindowConfig struct {
	// TTL is how long an id is remembered. Zero keeps ids until evicted by
	// MaxEntries.
	TTL time.Duration
	// MaxEntries caps memory. The oldest id is evicted first.
	MaxEntries int
}

// DefaultWindowConfig remembers ids for ten minutes, up to 10000 of them.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		TTL:        10 * time.Minute,
		MaxEntries: 10000,
	}
}

type seenEntry struct {
	id   string
	seen time.Time
}

// Window is an in-memory Deduper with time and size bounds. Retention is
// process-local: a restarted consumer forgets everything it has seen.
type Window struct {
	mu      sync.Mutex
	clock   clock.Clock
	config  WindowConfig
	order   *list.List
	entries map[string]*list.Element
}

// NewWindow creates a Window. A nil clock uses the real clock.
func NewWindow(config WindowConfig, c clock.Clock) *Window {
	if c == nil {
		c = clock.Real()
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultWindowConfig().MaxEntries
	}
	return &Window{
		clock:   c,
		config:  config,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	w.expireLocked(now)

	if _, ok := w.entries[id]; ok {
		return true
	}

	w.entries[id] = w.order.PushBack(&seenEntry{id: id, seen: now})
	for w.order.Len() > w.config.MaxEntries {
		w.removeLocked(w.order.Front())
	}
	return false
}

func (w *Window) Forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if elem, ok := w.entries[id]; ok {
		w.removeLocked(elem)
	}
}

// Len returns the number of remembered ids.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.expireLocked(w.clock.Now())
	return w.order.Len()
}

func (w *Window) expireLocked(now time.Time) {
	if w.config.TTL <= 0 {
		return
	}
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		if now.Sub(front.Value.(*seenEntry).seen) < w.config.TTL {
			return
		}
		w.removeLocked(front)
	}
}

func (w *Window) removeLocked(elem *list.Element) {
	w.order.Remove(elem)
	delete(w.entries, elem.Value.(*seenEntry).id)
}
