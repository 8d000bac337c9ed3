package storage

import (
	"context"
	"sort"
	"sync"
)

// memoryStore is an in-process Store used by tests (spec.md §8: the
// resources integration test runs "using an in-memory storage.Collection").
type memoryStore struct {
	mu          sync.Mutex
	collections map[string]*memoryCollection
	rules       *memoryRuleStore
	creds       *memoryCredentialStore
}

// NewMemoryStore returns a Store with no persistence, suitable for tests.
func NewMemoryStore() Store {
	return &memoryStore{
		collections: make(map[string]*memoryCollection),
		rules:       newMemoryRuleStore(),
		creds:       newMemoryCredentialStore(),
	}
}

func (s *memoryStore) Collection(name string) Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		c = &memoryCollection{records: make(map[string]Record)}
		s.collections[name] = c
	}
	return c
}

func (s *memoryStore) RuleStore() RuleStore                       { return s.rules }
func (s *memoryStore) CredentialRecords() CredentialRecordStore    { return s.creds }
func (s *memoryStore) Close()                                      {}

type memoryCollection struct {
	mu      sync.RWMutex
	records map[string]Record
}

func (c *memoryCollection) Get(_ context.Context, id string) (*Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := rec
	return &cp, nil
}

func (c *memoryCollection) Put(_ context.Context, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.ID] = rec
	return nil
}

func (c *memoryCollection) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, id)
	return nil
}

func (c *memoryCollection) List(_ context.Context) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *memoryCollection) ListFrom(ctx context.Context, fromRevision int64) ([]Record, error) {
	all, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, rec := range all {
		if rec.Revision > fromRevision {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (c *memoryCollection) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make(map[string]Record)
	return nil
}

type memoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]map[string]bool
}

func newMemoryRuleStore() *memoryRuleStore {
	return &memoryRuleStore{rules: make(map[string]map[string]bool)}
}

func ruleKey(owner, resType, name string) string { return owner + "\x00" + resType + "\x00" + name }

func (s *memoryRuleStore) Get(_ context.Context, owner, resType, name string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.rules[ruleKey(owner, resType, name)]
	if !ok {
		return nil, nil
	}
	cp := make(map[string]bool, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp, nil
}

func (s *memoryRuleStore) Set(_ context.Context, owner, resType, name, accessor string, allow bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ruleKey(owner, resType, name)
	m, ok := s.rules[key]
	if !ok {
		m = make(map[string]bool)
		s.rules[key] = m
	}
	m[accessor] = allow
	return nil
}

type memoryCredentialStore struct {
	mu      sync.RWMutex
	records map[string]CredentialRecord
}

func newMemoryCredentialStore() *memoryCredentialStore {
	return &memoryCredentialStore{records: make(map[string]CredentialRecord)}
}

func (s *memoryCredentialStore) Get(_ context.Context, user string) (*CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[user]
	if !ok {
		return nil, ErrNotFound
	}
	cp := rec
	return &cp, nil
}

func (s *memoryCredentialStore) Put(_ context.Context, rec CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.User] = rec
	return nil
}
