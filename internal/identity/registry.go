// Package identity implements the Paid Manager (spec.md GLOSSARY): the
// persistent allocator and directory of template/index entries used by
// app-state resources (spec.md §4.7.1).
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/syncmesh/resourced/internal/storage"
)

// ChildType is the structural relation a TemplateEntry's child bears to its
// parent (spec.md §3).
type ChildType string

const (
	ChildSingle        ChildType = "single"
	ChildSet           ChildType = "set"
	ChildIntersection  ChildType = "intersection"
)

// RootID is the shared root of both the template and index graphs.
const RootID int64 = 1

// TemplateEntry is `(parentId, childType, childName, referredId?)` (spec.md §3).
type TemplateEntry struct {
	ID         int64     `json:"id"`
	ParentID   int64     `json:"parentId"`
	ChildType  ChildType `json:"childType"`
	ChildName  string    `json:"childName"`
	ReferredID *int64    `json:"referredId,omitempty"`
}

// IndexEntry is `(prefixId, append?, compose?)` (spec.md §3): exactly one of
// Append or Compose is set for any non-root entry.
type IndexEntry struct {
	ID      int64   `json:"id"`
	PrefixID int64  `json:"prefixId"`
	Append  *string `json:"append,omitempty"`
	Compose *int64  `json:"compose,omitempty"`
}

// Registry is the Paid Manager: it allocates and persists template/index
// entries for one app-state resource. The full set of templates and
// indices is loaded into memory on construction (AppStateResource is not
// ready until this completes, spec.md §4.7.1).
type Registry struct {
	templatesColl storage.Collection
	indicesColl   storage.Collection

	mu        sync.RWMutex
	templates map[int64]TemplateEntry
	indices   map[int64]IndexEntry

	nextTemplateID int64 // atomic
	nextIndexID    int64 // atomic
}

// NewRegistry constructs an empty Registry with just the shared root
// entries seeded; call Load to hydrate from storage.
func NewRegistry(templatesColl, indicesColl storage.Collection) *Registry {
	r := &Registry{
		templatesColl:  templatesColl,
		indicesColl:    indicesColl,
		templates:      make(map[int64]TemplateEntry),
		indices:        make(map[int64]IndexEntry),
		nextTemplateID: RootID,
		nextIndexID:    RootID,
	}
	r.templates[RootID] = TemplateEntry{ID: RootID}
	r.indices[RootID] = IndexEntry{ID: RootID}
	return r
}

// Load reads every persisted template/index entry into memory, restoring
// the allocator's next-id watermark from the highest id seen.
func (r *Registry) Load(ctx context.Context) error {
	templateRecs, err := r.templatesColl.List(ctx)
	if err != nil {
		return fmt.Errorf("identity: load templates: %w", err)
	}
	indexRecs, err := r.indicesColl.List(ctx)
	if err != nil {
		return fmt.Errorf("identity: load indices: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range templateRecs {
		var entry TemplateEntry
		if err := json.Unmarshal(rec.Value, &entry); err != nil {
			return fmt.Errorf("identity: decode template %s: %w", rec.ID, err)
		}
		r.templates[entry.ID] = entry
		if entry.ID > r.nextTemplateID {
			r.nextTemplateID = entry.ID
		}
	}
	for _, rec := range indexRecs {
		var entry IndexEntry
		if err := json.Unmarshal(rec.Value, &entry); err != nil {
			return fmt.Errorf("identity: decode index %s: %w", rec.ID, err)
		}
		r.indices[entry.ID] = entry
		if entry.ID > r.nextIndexID {
			r.nextIndexID = entry.ID
		}
	}
	return nil
}

// GetTemplate returns a known template entry.
func (r *Registry) GetTemplate(id int64) (TemplateEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.templates[id]
	return e, ok
}

// GetIndex returns a known index entry.
func (r *Registry) GetIndex(id int64) (IndexEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.indices[id]
	return e, ok
}

// GetOrCreateTemplate returns the id of the template entry matching the
// given fields, allocating and persisting a new one if none exists.
// Allocation starts at 2 (id 1 is the shared root, spec.md §4.3).
func (r *Registry) GetOrCreateTemplate(ctx context.Context, parentID int64, childType ChildType, childName string, referredID *int64) (int64, error) {
	r.mu.Lock()
	for _, e := range r.templates {
		if e.ParentID == parentID && e.ChildType == childType && e.ChildName == childName && sameRef(e.ReferredID, referredID) {
			r.mu.Unlock()
			return e.ID, nil
		}
	}
	id := atomic.AddInt64(&r.nextTemplateID, 1)
	entry := TemplateEntry{ID: id, ParentID: parentID, ChildType: childType, ChildName: childName, ReferredID: referredID}
	r.templates[id] = entry
	r.mu.Unlock()

	return id, r.persistTemplate(ctx, entry)
}

// GetOrCreateIndex returns the id of the index entry matching the given
// fields, allocating and persisting a new one if none exists.
func (r *Registry) GetOrCreateIndex(ctx context.Context, prefixID int64, appendStr *string, compose *int64) (int64, error) {
	r.mu.Lock()
	for _, e := range r.indices {
		if e.PrefixID == prefixID && sameStr(e.Append, appendStr) && sameRef(e.Compose, compose) {
			r.mu.Unlock()
			return e.ID, nil
		}
	}
	id := atomic.AddInt64(&r.nextIndexID, 1)
	entry := IndexEntry{ID: id, PrefixID: prefixID, Append: appendStr, Compose: compose}
	r.indices[id] = entry
	r.mu.Unlock()

	return id, r.persistIndex(ctx, entry)
}

// PutTemplate installs a peer-defined template entry under a given local
// id. Nothing in this repository calls it:
// internal/identchan.AddRemoteTemplateDefinition obtains its local entry
// through GetOrCreateTemplate instead.
func (r *Registry) PutTemplate(ctx context.Context, id int64, entry TemplateEntry) error {
	entry.ID = id
	r.mu.Lock()
	r.templates[id] = entry
	if id > r.nextTemplateID {
		r.nextTemplateID = id
	}
	r.mu.Unlock()
	return r.persistTemplate(ctx, entry)
}

// PutIndex installs a peer-defined index entry under a given local id.
func (r *Registry) PutIndex(ctx context.Context, id int64, entry IndexEntry) error {
	entry.ID = id
	r.mu.Lock()
	r.indices[id] = entry
	if id > r.nextIndexID {
		r.nextIndexID = id
	}
	r.mu.Unlock()
	return r.persistIndex(ctx, entry)
}

func (r *Registry) persistTemplate(ctx context.Context, entry TemplateEntry) error {
	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("identity: encode template: %w", err)
	}
	return r.templatesColl.Put(ctx, storage.Record{ID: fmt.Sprintf("%d", entry.ID), Value: val})
}

func (r *Registry) persistIndex(ctx context.Context, entry IndexEntry) error {
	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("identity: encode index: %w", err)
	}
	return r.indicesColl.Put(ctx, storage.Record{ID: fmt.Sprintf("%d", entry.ID), Value: val})
}

func sameRef(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
