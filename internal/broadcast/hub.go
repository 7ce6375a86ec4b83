// Package broadcast fans events out to live subscribers grouped by project
// and by owner. Delivery is best effort: nothing is persisted or replayed,
// and a slow subscriber loses messages instead of holding up the sender.
package broadcast

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/sandboxd/internal/events"
)

// ProjectGroup is the group of clients viewing one project.
func ProjectGroup(projectID string) string { return "project:" + projectID }

// UserGroup is the group of dashboard clients watching all of a user's
// projects.
func UserGroup(userID string) string { return "user:" + userID }

// Config configures a Hub
type Config struct {
	// SendBuffer is the per-subscriber queue length
	SendBuffer int

	// PingInterval is how often websocket subscribers are pinged
	PingInterval time.Duration

	// WriteTimeout bounds a single websocket write
	WriteTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Subscriber receives the messages of the groups it joined.
type Subscriber struct {
	ID     string
	groups []string

	send    chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// Messages returns the subscriber's queue of encoded envelopes.
func (s *Subscriber) Messages() <-chan []byte { return s.send }

// Done is closed once the subscriber is unsubscribed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Dropped returns how many messages were discarded because the queue was full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Groups returns the groups the subscriber joined.
func (s *Subscriber) Groups() []string { return append([]string(nil), s.groups...) }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub tracks subscribers by group.
type Hub struct {
	cfg Config
	log *slog.Logger

	mu     sync.RWMutex
	groups map[string]map[*Subscriber]struct{}
	closed bool
}

// NewHub creates an empty Hub.
func NewHub(cfg Config) *Hub {
	cfg.applyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		cfg:    cfg,
		log:    logger.With("component", "broadcast"),
		groups: make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe joins a new subscriber to groups. Empty group names are
// ignored. Subscribing to a closed hub returns an already finished
// subscriber.
func (h *Hub) Subscribe(groups ...string) *Subscriber {
	sub := &Subscriber{
		ID:   uuid.New().String(),
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return sub
	}
	for _, g := range groups {
		if g == "" {
			continue
		}
		members, ok := h.groups[g]
		if !ok {
			members = make(map[*Subscriber]struct{})
			h.groups[g] = members
		}
		members[sub] = struct{}{}
		sub.groups = append(sub.groups, g)
	}
	h.log.Debug("subscriber joined", "subscriber_id", sub.ID, "groups", sub.groups)
	return sub
}

// Unsubscribe removes a subscriber from all its groups. It is safe to call
// more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	for _, g := range sub.groups {
		members := h.groups[g]
		delete(members, sub)
		if len(members) == 0 {
			delete(h.groups, g)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// GroupSize returns the number of subscribers in a group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Close unsubscribes everyone. Later broadcasts are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make(map[*Subscriber]struct{})
	for _, members := range h.groups {
		for s := range members {
			subs[s] = struct{}{}
		}
	}
	h.groups = make(map[string]map[*Subscriber]struct{})
	h.closed = true
	h.mu.Unlock()

	for s := range subs {
		s.close()
	}
}

// Broadcast delivers env to the project's group and, when ownerID is set,
// to the owner's group. A subscriber in both groups receives it once.
// Failures are logged and never returned.
func (h *Hub) Broadcast(projectID, ownerID string, env events.Envelope) {
	groups := []string{ProjectGroup(projectID)}
	if ownerID != "" {
		groups = append(groups, UserGroup(ownerID))
	}
	h.publish(env, groups...)
}

// PublishStatus broadcasts a sandbox status transition.
func (h *Hub) PublishStatus(u events.StatusUpdate) {
	h.Broadcast(u.ProjectID, u.OwnerID, events.NewStatusEnvelope(u.ProjectID, u.Payload()))
}

// PublishNodeCreated relays an opaque node payload from the editor.
func (h *Hub) PublishNodeCreated(projectID, ownerID string, node json.RawMessage) {
	h.Broadcast(projectID, ownerID, events.NewNodeCreatedEnvelope(projectID, node))
}

// PublishTurnEvent mirrors a chat turn event to the project's viewers.
func (h *Hub) PublishTurnEvent(projectID string, e events.TurnEvent) {
	h.publish(events.NewTurnEnvelope(projectID, e), ProjectGroup(projectID))
}

func (h *Hub) publish(env events.Envelope, groups ...string) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Warn("broadcast panicked", "project_id", env.ProjectID, "type", env.Type, "panic", r)
		}
	}()

	data, err := json.Marshal(env)
	if err != nil {
		h.log.Warn("failed to encode broadcast", "project_id", env.ProjectID, "type", env.Type, "error", err)
		return
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	seen := make(map[*Subscriber]struct{})
	targets := make([]*Subscriber, 0)
	for _, g := range groups {
		for s := range h.groups[g] {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.deliver(s, env, data)
	}
}

func (h *Hub) deliver(s *Subscriber, env events.Envelope, data []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- data:
	default:
		n := s.dropped.Add(1)
		h.log.Warn("subscriber queue full, dropping message",
			"subscriber_id", s.ID, "project_id", env.ProjectID, "type", env.Type, "dropped", n)
	}
}
