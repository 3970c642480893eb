package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore provides an in-memory Store. Every method works on copies so
// callers never share maps or slices with the store. A single mutex makes
// each call, including UpdateNodeState and SetDesignatedExclusive, atomic.
type MemoryStore struct {
	mu          sync.RWMutex
	states      map[string]NodeState
	progress    map[string]ProgressRecord
	designation map[string]DesignationRecord
	entities    map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:      make(map[string]NodeState),
		progress:    make(map[string]ProgressRecord),
		designation: make(map[string]DesignationRecord),
		entities:    make(map[string]map[string][]byte),
	}
}

func (m *MemoryStore) Close() error { return nil }

func scoped(domain, name string) string { return domain + "/" + name }

// ------- Node state -------

func (m *MemoryStore) FindNodeState(ctx context.Context, domain, name string) (NodeState, bool, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.states[scoped(domain, name)]
	return ns, ok, nil
}

func (m *MemoryStore) UpsertNodeState(ctx context.Context, ns NodeState) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[scoped(ns.Domain, ns.ResourceName)] = ns
	return nil
}

func (m *MemoryStore) UpdateNodeState(ctx context.Context, domain, name string, fn func(cur NodeState, found bool) (NodeState, error)) (NodeState, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, found := m.states[scoped(domain, name)]
	next, err := fn(cur, found)
	if err != nil {
		return NodeState{}, err
	}
	next.Domain, next.ResourceName = domain, name
	m.states[scoped(domain, name)] = next
	return next, nil
}

// ------- Progress -------

func (m *MemoryStore) FindProgress(ctx context.Context, domain, name string) (ProgressRecord, bool, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.progress[scoped(domain, name)]
	return rec, ok, nil
}

func (m *MemoryStore) UpsertProgress(ctx context.Context, rec ProgressRecord) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	k := scoped(rec.Domain, rec.ResourceName)
	if existing, ok := m.progress[k]; ok && rec.CreatedAt.IsZero() {
		rec.CreatedAt = existing.CreatedAt
	}
	m.progress[k] = rec
	return nil
}

func (m *MemoryStore) ListProgress(ctx context.Context, domain string) ([]ProgressRecord, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProgressRecord, 0, len(m.progress))
	for _, rec := range m.progress {
		if rec.Domain == domain {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceName < out[j].ResourceName })
	return out, nil
}

// ------- Designation -------

func (m *MemoryStore) ListDesignation(ctx context.Context, domain string) ([]DesignationRecord, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DesignationRecord, 0, len(m.designation))
	for _, rec := range m.designation {
		if rec.Domain == domain {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceName < out[j].ResourceName })
	return out, nil
}

func (m *MemoryStore) UpsertDesignation(ctx context.Context, rec DesignationRecord) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	k := scoped(rec.Domain, rec.ResourceName)
	if existing, ok := m.designation[k]; ok && rec.CreatedAt.IsZero() {
		rec.CreatedAt = existing.CreatedAt
	}
	m.designation[k] = rec
	return nil
}

func (m *MemoryStore) TouchDesignation(ctx context.Context, domain, name string, at time.Time) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	k := scoped(domain, name)
	rec, ok := m.designation[k]
	if !ok {
		return fmt.Errorf("designation %s: %w", k, ErrNotFound)
	}
	rec.LastUpdated = at
	m.designation[k] = rec
	return nil
}

func (m *MemoryStore) SetDesignatedExclusive(ctx context.Context, domain, name string, at time.Time) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.designation[scoped(domain, name)]; !ok {
		return fmt.Errorf("designation %s: %w", scoped(domain, name), ErrNotFound)
	}
	for k, rec := range m.designation {
		if rec.Domain != domain {
			continue
		}
		rec.Designated = rec.ResourceName == name
		if rec.Designated {
			rec.LastUpdated = at
		}
		m.designation[k] = rec
	}
	return nil
}

// ------- Audited entities -------

func (m *MemoryStore) ListTrackedClasses(ctx context.Context) ([]string, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entities))
	for class := range m.entities {
		out = append(out, class)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) FindAuditedEntities(ctx context.Context, class string) (map[string][]byte, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string][]byte, len(m.entities[class]))
	for k, v := range m.entities[class] {
		res[k] = append([]byte(nil), v...)
	}
	return res, nil
}

func (m *MemoryStore) FindAuditedEntitiesByKeys(ctx context.Context, class string, keys []string) (map[string][]byte, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.entities[class][k]; ok {
			res[k] = append([]byte(nil), v...)
		}
	}
	return res, nil
}

func (m *MemoryStore) PutAuditedEntity(ctx context.Context, class, key string, data []byte) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entities[class] == nil {
		m.entities[class] = make(map[string][]byte)
	}
	m.entities[class][key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) DeleteAuditedEntity(ctx context.Context, class, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities[class], key)
	return nil
}

func (m *MemoryStore) Reset(ctx context.Context, domain string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, rec := range m.progress {
		if rec.Domain == domain {
			delete(m.progress, k)
		}
	}
	for k, rec := range m.designation {
		if rec.Domain == domain {
			delete(m.designation, k)
		}
	}
	return nil
}
