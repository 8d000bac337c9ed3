// Package identchan implements the Identifier Channel (spec.md §4.3): a
// per-connection bidirectional remapping of template/index ids, backed by
// one internal/identity.Registry per resource.
package identchan

import (
	"context"
	"fmt"
	"sync"

	"github.com/syncmesh/resourced/internal/identity"
)

// Channel is constructed once per Session per resource id (SPEC_FULL.md
// §4.3). It tracks which ids have been defined on this connection, the
// peer-id → local-id mapping used when unmarshalling, and the queues of
// ids still pending a `define` flush.
type Channel struct {
	registry *identity.Registry

	mu sync.Mutex

	definedTemplates map[int64]bool
	definedIndices   map[int64]bool

	remoteToLocalTemplate map[int64]int64
	remoteToLocalIndex    map[int64]int64

	pendingTemplates []int64
	pendingIndices   []int64
}

// New constructs a Channel bound to registry, with the shared root ids
// pre-seeded as already defined on the wire.
func New(registry *identity.Registry) *Channel {
	c := &Channel{registry: registry}
	c.initLocked()
	return c
}

func (c *Channel) initLocked() {
	c.definedTemplates = map[int64]bool{identity.RootID: true}
	c.definedIndices = map[int64]bool{identity.RootID: true}
	c.remoteToLocalTemplate = map[int64]int64{identity.RootID: identity.RootID}
	c.remoteToLocalIndex = map[int64]int64{identity.RootID: identity.RootID}
	c.pendingTemplates = nil
	c.pendingIndices = nil
}

// Reset clears all per-connection state, invoked on reconnect-equivalent
// events so both sides re-establish definitions (spec.md §4.3).
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initLocked()
}

// DefineTemplate ensures id (and its transitive dependencies) are queued
// for definition on the wire, in topological order. Idempotent.
func (c *Channel) DefineTemplate(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defineTemplateLocked(id)
}

func (c *Channel) defineTemplateLocked(id int64) error {
	if c.definedTemplates[id] {
		return nil
	}
	entry, ok := c.registry.GetTemplate(id)
	if !ok {
		return fmt.Errorf("identchan: unknown template id %d", id)
	}
	if entry.ParentID != 0 && entry.ParentID != id {
		if err := c.defineTemplateLocked(entry.ParentID); err != nil {
			return err
		}
	}
	if entry.ReferredID != nil {
		if err := c.defineTemplateLocked(*entry.ReferredID); err != nil {
			return err
		}
	}
	c.definedTemplates[id] = true
	c.pendingTemplates = append(c.pendingTemplates, id)
	return nil
}

// DefineIndex ensures id (and its transitive dependencies) are queued for
// definition on the wire, in topological order. Idempotent.
func (c *Channel) DefineIndex(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defineIndexLocked(id)
}

func (c *Channel) defineIndexLocked(id int64) error {
	if c.definedIndices[id] {
		return nil
	}
	entry, ok := c.registry.GetIndex(id)
	if !ok {
		return fmt.Errorf("identchan: unknown index id %d", id)
	}
	if entry.PrefixID != 0 && entry.PrefixID != id {
		if err := c.defineIndexLocked(entry.PrefixID); err != nil {
			return err
		}
	}
	if entry.Compose != nil {
		if err := c.defineIndexLocked(*entry.Compose); err != nil {
			return err
		}
	}
	c.definedIndices[id] = true
	c.pendingIndices = append(c.pendingIndices, id)
	return nil
}

// DrainPending returns and clears the ids queued for a `define` flush.
func (c *Channel) DrainPending() (templates, indices []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	templates, c.pendingTemplates = c.pendingTemplates, nil
	indices, c.pendingIndices = c.pendingIndices, nil
	return templates, indices
}

// TranslateTemplate looks up the local id for a peer-minted template id,
// failing if the id is unknown (spec.md §4.3).
func (c *Channel) TranslateTemplate(remoteID int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	local, ok := c.remoteToLocalTemplate[remoteID]
	if !ok {
		return 0, fmt.Errorf("identchan: unknown remote template id %d", remoteID)
	}
	return local, nil
}

// TranslateIndex looks up the local id for a peer-minted index id.
func (c *Channel) TranslateIndex(remoteID int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	local, ok := c.remoteToLocalIndex[remoteID]
	if !ok {
		return 0, fmt.Errorf("identchan: unknown remote index id %d", remoteID)
	}
	return local, nil
}

// RemoteTemplateDef is one peer-side template definition as received on a
// `define` message, with ids still in the peer's numbering.
type RemoteTemplateDef struct {
	RemoteID   int64
	ParentID   int64
	ChildType  identity.ChildType
	ChildName  string
	ReferredID *int64
}

// AddRemoteTemplateDefinition translates def's referenced peer ids to
// local ids (which must already be known, per invariant 6: dependencies
// are always defined before dependents), then obtains or allocates the
// corresponding local entry.
func (c *Channel) AddRemoteTemplateDefinition(ctx context.Context, def RemoteTemplateDef) (int64, error) {
	c.mu.Lock()
	parentLocal, ok := c.remoteToLocalTemplate[def.ParentID]
	if !ok {
		c.mu.Unlock()
		return 0, fmt.Errorf("identchan: remote template %d references undefined parent %d", def.RemoteID, def.ParentID)
	}
	var referredLocal *int64
	if def.ReferredID != nil {
		v, ok := c.remoteToLocalTemplate[*def.ReferredID]
		if !ok {
			c.mu.Unlock()
			return 0, fmt.Errorf("identchan: remote template %d references undefined referred %d", def.RemoteID, *def.ReferredID)
		}
		referredLocal = &v
	}
	c.mu.Unlock()

	localID, err := c.registry.GetOrCreateTemplate(ctx, parentLocal, def.ChildType, def.ChildName, referredLocal)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.remoteToLocalTemplate[def.RemoteID] = localID
	c.definedTemplates[localID] = true
	c.mu.Unlock()
	return localID, nil
}

// RemoteIndexDef is one peer-side index definition, ids in peer numbering.
type RemoteIndexDef struct {
	RemoteID int64
	PrefixID int64
	Append   *string
	Compose  *int64
}

// AddRemoteIndexDefinition translates def's referenced peer ids to local
// ids, then obtains or allocates the corresponding local entry.
func (c *Channel) AddRemoteIndexDefinition(ctx context.Context, def RemoteIndexDef) (int64, error) {
	c.mu.Lock()
	prefixLocal, ok := c.remoteToLocalIndex[def.PrefixID]
	if !ok {
		c.mu.Unlock()
		return 0, fmt.Errorf("identchan: remote index %d references undefined prefix %d", def.RemoteID, def.PrefixID)
	}
	var composeLocal *int64
	if def.Compose != nil {
		v, ok := c.remoteToLocalIndex[*def.Compose]
		if !ok {
			c.mu.Unlock()
			return 0, fmt.Errorf("identchan: remote index %d references undefined compose %d", def.RemoteID, *def.Compose)
		}
		composeLocal = &v
	}
	c.mu.Unlock()

	localID, err := c.registry.GetOrCreateIndex(ctx, prefixLocal, def.Append, composeLocal)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.remoteToLocalIndex[def.RemoteID] = localID
	c.definedIndices[localID] = true
	c.mu.Unlock()
	return localID, nil
}
