package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syncmesh/resourced/internal/bus"
	"github.com/syncmesh/resourced/internal/identity"
	"github.com/syncmesh/resourced/internal/storage"
)

// AppStateResource implements spec.md §4.7.1: elements keyed by composite
// `templateId:indexId:path`, backed by three storage collections (data,
// templates, indices); not ready until the templates and indices
// collections have both loaded in full.
type AppStateResource struct {
	*core

	owner, app string

	data     storage.Collection
	registry *identity.Registry

	rev revisionAllocator
}

type appStateValue struct {
	Ident   string          `json:"ident"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

func newAppStateResource(id uint64, spec string, store storage.Store, owner, app string, relay *Relay) *AppStateResource {
	dataColl := store.Collection(spec + ".data")
	templatesColl := store.Collection(spec + ".templates")
	indicesColl := store.Collection(spec + ".indices")

	r := &AppStateResource{
		core:     newCore(id, KindAppState, spec, false, false),
		owner:    owner,
		app:      app,
		data:     dataColl,
		registry: identity.NewRegistry(templatesColl, indicesColl),
	}

	ctx := context.Background()
	r.core.attachRelay(ctx, relay, r.applyRemote)

	go func() {
		_ = r.registry.Load(ctx) // best-effort: an empty registry is a valid start state.
		_ = r.hydrateRevision(ctx)
		r.core.setReady()
	}()

	return r
}

// applyRemote persists elements relayed from another process's write
// (SPEC_FULL.md §3), folding msg.Revision into this resource's own
// allocator so a subsequent local write still assigns a strictly higher
// revision (spec.md §4.9).
func (r *AppStateResource) applyRemote(ctx context.Context, msg bus.Message) {
	if msg.Revision <= r.rev.last {
		return // already applied, or superseded by a local write since.
	}
	elements := make([]Element, 0, len(msg.Elements))
	for _, e := range msg.Elements {
		v := appStateValue{Ident: e.Ident, Value: e.Value, Deleted: e.Deleted}
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		if err := r.data.Put(ctx, storage.Record{ID: e.Ident, Value: raw, Revision: msg.Revision}); err != nil {
			continue
		}
		elements = append(elements, Element{Ident: e.Ident, Value: e.Value, Deleted: e.Deleted, Revision: msg.Revision})
	}
	r.rev.observe(msg.Revision)
	if len(elements) == 0 {
		return
	}
	r.notifyLocked(0, Update{ResourceID: r.id, Elements: elements, Revision: msg.Revision})
}

// Registry exposes the per-resource Paid Manager (template/index
// allocator) so the owning session can bind a per-connection
// internal/identchan.Channel to it.
func (r *AppStateResource) Registry() *identity.Registry { return r.registry }

func (r *AppStateResource) hydrateRevision(ctx context.Context) error {
	records, err := r.data.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		r.rev.observe(rec.Revision)
	}
	return nil
}

// GetAllElements returns the current element set, optionally restricted
// to revisions beyond fromRevision, together with the resource's highest
// observed revision (spec.md §4.7).
func (r *AppStateResource) GetAllElements(ctx context.Context, fromRevision *int64) ([]Element, int64, error) {
	var elements []Element
	err := r.do(ctx, func(ctx context.Context) error {
		var records []storage.Record
		var err error
		if fromRevision != nil {
			records, err = r.data.ListFrom(ctx, *fromRevision)
		} else {
			records, err = r.data.List(ctx)
		}
		if err != nil {
			return err
		}
		for _, rec := range records {
			var v appStateValue
			if err := json.Unmarshal(rec.Value, &v); err != nil {
				return fmt.Errorf("resources: decode appstate record %q: %w", rec.ID, err)
			}
			if fromRevision == nil && v.Deleted {
				continue
			}
			elements = append(elements, Element{
				Ident:    v.Ident,
				Value:    v.Value,
				Deleted:  v.Deleted,
				Revision: rec.Revision,
			})
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return elements, r.rev.last, nil
}

// Write persists every entry of elements under one newly allocated
// revision, then fans out the update (spec.md §4.7).
func (r *AppStateResource) Write(ctx context.Context, originator SubscriberID, elements map[string]WriteElement) (AckInfo, int64, error) {
	var revision int64
	var update []Element
	err := r.do(ctx, func(ctx context.Context) error {
		revision = r.rev.last
		if len(elements) == 0 {
			// spec.md §8: an empty write is accepted but does not
			// increment the revision or emit a notification.
			return nil
		}
		r.checkLeader(ctx)
		revision = r.rev.next()
		for ident, we := range elements {
			v := appStateValue{Ident: ident, Value: we.Value, Deleted: we.Deleted}
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("resources: encode appstate value for %q: %w", ident, err)
			}
			if err := r.data.Put(ctx, storage.Record{ID: ident, Value: raw, Revision: revision}); err != nil {
				return fmt.Errorf("resources: persist appstate element %q: %w", ident, err)
			}
			update = append(update, Element{Ident: ident, Value: we.Value, Deleted: we.Deleted, Revision: revision})
		}
		out := Update{ResourceID: r.id, Elements: update, Revision: revision}
		r.notifyLocked(originator, out)
		r.publishRemote(out)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return AckInfo{}, revision, nil
}
