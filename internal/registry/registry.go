// Package registry holds the in-memory fleet state. It is the single
// source of truth for registered agents and the only mutation choke point.
package registry

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/screenfleet/orchestrator/internal/adapter/agentclient"
	"github.com/screenfleet/orchestrator/internal/domain"
)

// State is the mutable poll state of one agent record. Mutations happen
// only inside Update, under the record's own lock.
type State struct {
	Status         domain.AgentStatus
	LastSeen       *time.Time
	LastError      string
	FailureCount   int
	ResponseTimeMS float64
	Screens        []domain.Screen
	Shots          map[int]domain.Screenshot
	Fingerprint    string

	// Adaptive polling
	Interval time.Duration
	NextPoll time.Time
}

type record struct {
	id        string
	name      string
	address   string
	token     string
	createdAt time.Time

	client *agentclient.Client
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
}

// Registry is a thread-safe map from identifier to agent record. The
// registry-level lock guards only the map; each record carries its own
// lock, so mutations to different records never block each other.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record

	agentTimeout time.Duration
	baseInterval time.Duration
}

// New creates an empty registry. agentTimeout bounds every request issued
// by owned clients; baseInterval seeds each record's adaptive poll interval.
func New(agentTimeout, baseInterval time.Duration) *Registry {
	return &Registry{
		records:      make(map[string]*record),
		agentTimeout: agentTimeout,
		baseInterval: baseInterval,
	}
}

// Register adds an agent for the given endpoint address. Registering an
// address that is already present reuses the existing record: the existing
// identifier is returned with created=false.
func (r *Registry) Register(address, token, name string) (string, bool, error) {
	addr, err := validateAddress(address)
	if err != nil {
		return "", false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, rec := range r.records {
		if rec.address == addr {
			return id, false, nil
		}
	}

	id := "agent_" + uuid.New().String()[:8]
	if name == "" {
		name = "Agent " + strings.TrimPrefix(id, "agent_")
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.records[id] = &record{
		id:        id,
		name:      name,
		address:   addr,
		token:     token,
		createdAt: time.Now(),
		client:    agentclient.New(addr, token, r.agentTimeout),
		ctx:       ctx,
		cancel:    cancel,
		state: State{
			Status:   domain.StatusUnknown,
			Interval: r.baseInterval,
		},
	}
	return id, true, nil
}

// Unregister removes an agent. It cancels the record's context, which
// aborts in-flight polls, and releases the owned client before returning.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
	}
	r.mu.Unlock()

	if !ok {
		return domain.E(domain.KindNotFound, "agent not found")
	}
	rec.cancel()
	rec.client.Close()
	return nil
}

// Get returns an immutable snapshot of one agent.
func (r *Registry) Get(id string) (domain.AgentSnapshot, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return domain.AgentSnapshot{}, err
	}
	return rec.snapshot(), nil
}

// List returns snapshots of every registered agent, oldest first.
func (r *Registry) List() []domain.AgentSnapshot {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]domain.AgentSnapshot, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// IDs returns the current set of identifiers.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Update runs the mutator against the record's state under its lock.
// Updates to the same record serialize; a whole poll result commits as one
// call, so readers never observe a partially written record.
func (r *Registry) Update(id string, fn func(*State)) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	fn(&rec.state)
	rec.mu.Unlock()
	return nil
}

// Commit applies the mutator and returns the resulting snapshot under a
// single acquisition of the record's lock, so the snapshot a caller
// broadcasts always matches the state it just committed.
func (r *Registry) Commit(id string, fn func(*State)) (domain.AgentSnapshot, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return domain.AgentSnapshot{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	fn(&rec.state)
	return rec.snapshotLocked(), nil
}

// Live returns the record's owned client and its lifetime context. The
// context is cancelled when the record is unregistered, so callers holding
// it see their in-flight requests aborted on removal.
func (r *Registry) Live(id string) (*agentclient.Client, context.Context, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	return rec.client, rec.ctx, nil
}

// Shot returns the cached screenshot for one screen, if any.
func (r *Registry) Shot(id string, screen int) (domain.Screenshot, bool, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return domain.Screenshot{}, false, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	shot, ok := rec.state.Shots[screen]
	return shot, ok, nil
}

// DueIDs returns identifiers whose adaptive poll deadline has passed.
func (r *Registry) DueIDs(now time.Time) []string {
	ids := r.IDs()
	due := ids[:0]
	for _, id := range ids {
		rec, err := r.lookup(id)
		if err != nil {
			continue
		}
		rec.mu.Lock()
		ready := !rec.state.NextPoll.After(now)
		rec.mu.Unlock()
		if ready {
			due = append(due, id)
		}
	}
	return due
}

func (r *Registry) lookup(id string) (*record, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.E(domain.KindNotFound, "agent not found")
	}
	return rec, nil
}

func (rec *record) snapshot() domain.AgentSnapshot {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshotLocked()
}

func (rec *record) snapshotLocked() domain.AgentSnapshot {
	s := rec.state
	snap := domain.AgentSnapshot{
		ID:             rec.id,
		Name:           rec.name,
		Address:        rec.address,
		Status:         s.Status,
		LastError:      s.LastError,
		FailureCount:   s.FailureCount,
		ResponseTimeMS: s.ResponseTimeMS,
		Fingerprint:    s.Fingerprint,
		CreatedAt:      rec.createdAt,
	}
	if s.LastSeen != nil {
		t := *s.LastSeen
		snap.LastSeen = &t
	}
	if len(s.Screens) > 0 {
		snap.Screens = append([]domain.Screen(nil), s.Screens...)
	}
	if shot, ok := s.Shots[0]; ok {
		snap.Screenshot = shot.Image
	}
	return snap
}

// validateAddress rejects malformed or disallowed agent endpoints before a
// client is ever created for them.
func validateAddress(address string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(address))
	if err != nil {
		return "", domain.E(domain.KindInvalidInput, "malformed agent address")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", domain.E(domain.KindInvalidInput, "agent address must be http or https")
	}
	if u.Host == "" {
		return "", domain.E(domain.KindInvalidInput, "agent address missing host")
	}
	if u.User != nil {
		return "", domain.E(domain.KindInvalidInput, "agent address must not carry credentials")
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}
