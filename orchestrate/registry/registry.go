package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tailored-agentic-units/relay/observability"
	"github.com/tailored-agentic-units/relay/orchestrate/config"
)

const (
	EventRegister   observability.EventType = "registry.register"
	EventAttach     observability.EventType = "registry.attach"
	EventDetach     observability.EventType = "registry.detach"
	EventUnregister observability.EventType = "registry.unregister"
	EventBind       observability.EventType = "registry.bind"
	EventUnbind     observability.EventType = "registry.unbind"
)

// Supervisor describes a registered supervisor.
type Supervisor struct {
	Name             string   `json:"name"`
	Category         string   `json:"category,omitempty"`
	Supervisor       string   `json:"supervisor,omitempty"`
	Subordinates     []string `json:"subordinates"`
	Responsibilities []string `json:"responsibilities,omitempty"`
	Bound            bool     `json:"bound"`
}

// Node describes any registered name.
type Node struct {
	Name         string `json:"name"`
	Supervisor   string `json:"supervisor,omitempty"`
	IsSupervisor bool   `json:"is_supervisor"`
	Bound        bool   `json:"bound"`
}

// PathEntry is one step of a hierarchy path.
type PathEntry struct {
	Name         string `json:"name"`
	Supervisor   string `json:"supervisor,omitempty"`
	IsSupervisor bool   `json:"is_supervisor"`
}

type node struct {
	name             string
	supervisor       string
	isSupervisor     bool
	category         string
	subordinates     []string
	responsibilities []string
	instance         any
}

func (n *node) clone() *node {
	c := *n
	c.subordinates = slices.Clone(n.subordinates)
	c.responsibilities = slices.Clone(n.responsibilities)
	return &c
}

// Option customizes a Registry.
type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithObserver(o observability.Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// Registry is safe for concurrent use. Writes are serialized; readers see
// the state between two writes.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*node

	logger   *slog.Logger
	observer observability.Observer
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		nodes:    make(map[string]*node),
		logger:   slog.Default(),
		observer: observability.NoOpObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterSupervisor registers name as a supervisor owning subordinates.
// A name already attached as a subordinate is promoted in place. Listed
// subordinates that are unknown are registered as leaves; known ones are
// attached if they have no supervisor yet.
func (r *Registry) RegisterSupervisor(name, category string, subordinates, responsibilities []string) error {
	r.mu.Lock()
	err := r.registerLocked(name, category, subordinates, responsibilities)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.logger.Debug(
		"supervisor registered",
		slog.String("name", name),
		slog.String("category", category),
		slog.Int("subordinates", len(subordinates)),
	)
	r.emit(EventRegister, map[string]any{
		"name":         name,
		"category":     category,
		"subordinates": subordinates,
	})
	return nil
}

func (r *Registry) registerLocked(name, category string, subordinates, responsibilities []string) error {
	if name == "" {
		return ErrEmptyName
	}

	existing, exists := r.nodes[name]
	if exists && existing.isSupervisor {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}

	subs := make([]string, 0, len(subordinates))
	for _, sub := range subordinates {
		if sub == "" {
			return fmt.Errorf("%w: subordinate of %s", ErrEmptyName, name)
		}
		if slices.Contains(subs, sub) {
			continue
		}
		if err := r.checkAttach(name, sub); err != nil {
			return err
		}
		subs = append(subs, sub)
	}

	sup := existing
	if !exists {
		sup = &node{name: name}
		r.nodes[name] = sup
	}
	sup.isSupervisor = true
	sup.category = category
	sup.responsibilities = slices.Clone(responsibilities)

	for _, sub := range subs {
		r.attachLocked(sup, sub)
	}
	return nil
}

// checkAttach reports whether child may be placed under parent. parent
// need not be registered yet.
func (r *Registry) checkAttach(parent, child string) error {
	if parent == child {
		return &CycleError{Name: child, Supervisor: parent, Reason: "a name cannot supervise itself"}
	}

	n, exists := r.nodes[child]
	if !exists {
		return nil
	}
	if n.supervisor != "" && n.supervisor != parent {
		return &CycleError{Name: child, Supervisor: parent, Reason: "already supervised by " + n.supervisor}
	}
	if r.isAncestor(child, parent) {
		return &CycleError{Name: child, Supervisor: parent, Reason: child + " is an ancestor of " + parent}
	}
	return nil
}

// isAncestor reports whether ancestor appears on the supervisor chain of
// name.
func (r *Registry) isAncestor(ancestor, name string) bool {
	current := name
	for range len(r.nodes) + 1 {
		n, exists := r.nodes[current]
		if !exists || n.supervisor == "" {
			return false
		}
		if n.supervisor == ancestor {
			return true
		}
		current = n.supervisor
	}
	return false
}

func (r *Registry) attachLocked(sup *node, name string) {
	child, exists := r.nodes[name]
	if !exists {
		child = &node{name: name}
		r.nodes[name] = child
	}
	child.supervisor = sup.name
	if !slices.Contains(sup.subordinates, name) {
		sup.subordinates = append(sup.subordinates, name)
	}
}

// Attach places name under supervisor, registering name as a leaf if it is
// unknown.
func (r *Registry) Attach(supervisor, name string) error {
	if supervisor == "" || name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	sup, exists := r.nodes[supervisor]
	if !exists || !sup.isSupervisor {
		r.mu.Unlock()
		return fmt.Errorf("%w: supervisor %s", ErrNotFound, supervisor)
	}
	if err := r.checkAttach(supervisor, name); err != nil {
		r.mu.Unlock()
		return err
	}
	r.attachLocked(sup, name)
	r.mu.Unlock()

	r.logger.Debug(
		"node attached",
		slog.String("name", name),
		slog.String("supervisor", supervisor),
	)
	r.emit(EventAttach, map[string]any{"name": name, "supervisor": supervisor})
	return nil
}

// Detach removes name from its supervisor. A detached supervisor becomes a
// root; a detached leaf is removed. Detach is refused while an instance is
// bound to name.
func (r *Registry) Detach(name string) error {
	r.mu.Lock()
	n, exists := r.nodes[name]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if n.instance != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceBound, name)
	}

	previous := n.supervisor
	r.unlinkLocked(n)
	if !n.isSupervisor {
		delete(r.nodes, name)
	}
	r.mu.Unlock()

	r.logger.Debug(
		"node detached",
		slog.String("name", name),
		slog.String("supervisor", previous),
	)
	r.emit(EventDetach, map[string]any{"name": name, "supervisor": previous})
	return nil
}

// Unregister removes name entirely. Supervisors must have no subordinates
// left, and no instance may be bound.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	n, exists := r.nodes[name]
	switch {
	case !exists:
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	case n.instance != nil:
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceBound, name)
	case len(n.subordinates) > 0:
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrHasSubordinates, name)
	}

	r.unlinkLocked(n)
	delete(r.nodes, name)
	r.mu.Unlock()

	r.logger.Debug("node unregistered", slog.String("name", name))
	r.emit(EventUnregister, map[string]any{"name": name})
	return nil
}

func (r *Registry) unlinkLocked(n *node) {
	if n.supervisor == "" {
		return
	}
	if sup, exists := r.nodes[n.supervisor]; exists {
		sup.subordinates = slices.DeleteFunc(sup.subordinates, func(s string) bool {
			return s == n.name
		})
	}
	n.supervisor = ""
}

// BindInstance associates a live handle with a registered name.
func (r *Registry) BindInstance(name string, instance any) error {
	if instance == nil {
		return ErrNilInstance
	}

	r.mu.Lock()
	n, exists := r.nodes[name]
	switch {
	case !exists:
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	case n.instance != nil:
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceBound, name)
	}
	n.instance = instance
	r.mu.Unlock()

	r.logger.Debug("instance bound", slog.String("name", name))
	r.emit(EventBind, map[string]any{"name": name})
	return nil
}

// UnbindInstance clears the handle bound to name. Unbinding a name with no
// instance is not an error.
func (r *Registry) UnbindInstance(name string) error {
	r.mu.Lock()
	n, exists := r.nodes[name]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	wasBound := n.instance != nil
	n.instance = nil
	r.mu.Unlock()

	if wasBound {
		r.logger.Debug("instance unbound", slog.String("name", name))
		r.emit(EventUnbind, map[string]any{"name": name})
	}
	return nil
}

// Instance returns the handle bound to name.
func (r *Registry) Instance(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, exists := r.nodes[name]
	if !exists || n.instance == nil {
		return nil, false
	}
	return n.instance, true
}

// SupervisorOf returns the supervisor of name. It reports false for roots
// and unknown names.
func (r *Registry) SupervisorOf(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, exists := r.nodes[name]
	if !exists || n.supervisor == "" {
		return "", false
	}
	return n.supervisor, true
}

// HierarchyPath lists name and each of its ancestors, ending at the root.
func (r *Registry) HierarchyPath(name string) ([]PathEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.nodes[name]; !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	var path []PathEntry
	current := name
	for current != "" && len(path) <= len(r.nodes) {
		n := r.nodes[current]
		path = append(path, PathEntry{
			Name:         n.name,
			Supervisor:   n.supervisor,
			IsSupervisor: n.isSupervisor,
		})
		current = n.supervisor
	}
	return path, nil
}

// Supervisors lists every supervisor sorted by name.
func (r *Registry) Supervisors() []Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sups []Supervisor
	for _, n := range r.nodes {
		if n.isSupervisor {
			sups = append(sups, n.describe())
		}
	}

	sort.Slice(sups, func(i, j int) bool {
		return sups[i].Name < sups[j].Name
	})
	return sups
}

// Subordinates returns the direct subordinates of name in registration
// order.
func (r *Registry) Subordinates(name string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, exists := r.nodes[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return slices.Clone(n.subordinates), nil
}

// ResponsibleFor lists the supervisors claiming taskType, sorted by name.
func (r *Registry) ResponsibleFor(taskType string) []Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sups []Supervisor
	for _, n := range r.nodes {
		if n.isSupervisor && slices.Contains(n.responsibilities, taskType) {
			sups = append(sups, n.describe())
		}
	}

	sort.Slice(sups, func(i, j int) bool {
		return sups[i].Name < sups[j].Name
	})
	return sups
}

// Get describes a registered name.
func (r *Registry) Get(name string) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, exists := r.nodes[name]
	if !exists {
		return Node{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return Node{
		Name:         n.name,
		Supervisor:   n.supervisor,
		IsSupervisor: n.isSupervisor,
		Bound:        n.instance != nil,
	}, nil
}

// Names lists every registered name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load registers every supervisor of topology in order. Either all of them
// are registered or, on the first error, none are.
func (r *Registry) Load(topology config.TopologyConfig) error {
	r.mu.Lock()
	saved := make(map[string]*node, len(r.nodes))
	for name, n := range r.nodes {
		saved[name] = n.clone()
	}

	for _, sup := range topology.Supervisors {
		if err := r.registerLocked(sup.Name, sup.Category, sup.Subordinates, sup.Responsibilities); err != nil {
			r.nodes = saved
			r.mu.Unlock()
			return fmt.Errorf("loading supervisor %q: %w", sup.Name, err)
		}
	}
	r.mu.Unlock()

	r.logger.Info(
		"topology loaded",
		slog.Int("supervisors", len(topology.Supervisors)),
	)
	for _, sup := range topology.Supervisors {
		r.emit(EventRegister, map[string]any{
			"name":         sup.Name,
			"category":     sup.Category,
			"subordinates": sup.Subordinates,
		})
	}
	return nil
}

func (n *node) describe() Supervisor {
	return Supervisor{
		Name:             n.name,
		Category:         n.category,
		Supervisor:       n.supervisor,
		Subordinates:     slices.Clone(n.subordinates),
		Responsibilities: slices.Clone(n.responsibilities),
		Bound:            n.instance != nil,
	}
}

func (r *Registry) emit(eventType observability.EventType, data map[string]any) {
	r.observer.OnEvent(context.Background(), observability.Event{
		Type:      eventType,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "registry",
		Data:      data,
	})
}
