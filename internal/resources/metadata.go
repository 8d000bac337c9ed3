package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syncmesh/resourced/internal/storage"
)

// MetadataResource implements spec.md §4.7.3: the global singleton
// describing every known table, with inline-data routing to the matching
// TableResource and synthetic entries for configured external sources.
type MetadataResource struct {
	*core

	manager *Manager
	coll    storage.Collection
	extCfg  ExternalConfig

	rev     revisionAllocator
	nextTID uint64
}

// MetadataValue is one metadata record's JSON value (spec.md §4.7.3).
type MetadataValue struct {
	Name       string          `json:"name"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Remove     bool            `json:"remove,omitempty"`
	TableApp   string          `json:"tableApp,omitempty"`
	TablePath  []string        `json:"tablePath,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
}

func newMetadataResource(id uint64, spec string, store storage.Store, m *Manager, extCfg ExternalConfig) *MetadataResource {
	r := &MetadataResource{
		core:    newCore(id, KindMetadata, spec, false, false),
		manager: m,
		coll:    store.Collection(spec),
		extCfg:  extCfg,
	}
	go func() {
		ctx := context.Background()
		_ = r.hydrateRevision(ctx)
		r.core.setReady()
	}()
	return r
}

func (r *MetadataResource) hydrateRevision(ctx context.Context) error {
	records, err := r.coll.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		r.rev.observe(rec.Revision)
		var tid uint64
		if _, err := fmt.Sscanf(rec.ID, "t%d", &tid); err == nil && tid > r.nextTID {
			r.nextTID = tid
		}
	}
	return nil
}

// GetAllElements returns every stored table-metadata record plus synthetic
// entries describing each configured external data source (spec.md
// §4.7.3: "so that clients discover them").
func (r *MetadataResource) GetAllElements(ctx context.Context, fromRevision *int64) ([]Element, int64, error) {
	var elements []Element
	err := r.do(ctx, func(ctx context.Context) error {
		var records []storage.Record
		var err error
		if fromRevision != nil {
			records, err = r.coll.ListFrom(ctx, *fromRevision)
		} else {
			records, err = r.coll.List(ctx)
		}
		if err != nil {
			return err
		}
		for _, rec := range records {
			var v MetadataValue
			if err := json.Unmarshal(rec.Value, &v); err != nil {
				return fmt.Errorf("resources: decode metadata record %q: %w", rec.ID, err)
			}
			if fromRevision == nil && v.Deleted {
				continue
			}
			elements = append(elements, Element{Ident: rec.ID, Value: rec.Value, Deleted: v.Deleted, Revision: rec.Revision})
		}
		if fromRevision == nil {
			elements = append(elements, r.syntheticExternalElements()...)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return elements, r.rev.last, nil
}

func (r *MetadataResource) syntheticExternalElements() []Element {
	out := make([]Element, 0, len(r.extCfg.Sources))
	for _, src := range r.extCfg.Sources {
		raw, err := json.Marshal(MetadataValue{Name: src.Name, Attributes: src.Attributes})
		if err != nil {
			continue
		}
		out = append(out, Element{Ident: "ext." + src.Name, Value: raw})
	}
	return out
}

// Write handles each metadata entry: a `remove: true` entry deletes the
// referenced table and writes a tombstone; an entry carrying inline `data`
// routes that data to the corresponding table resource (synthesising a
// fresh table id when the entry's ident names no stored record), merges into the existing
// metadata record, and returns the allocated id via the ack `info` field
// keyed by the client's temporary ident (spec.md §4.7.3).
func (r *MetadataResource) Write(ctx context.Context, originator SubscriberID, elements map[string]WriteElement) (AckInfo, int64, error) {
	ack := AckInfo{}
	var revision int64
	var update []Element

	err := r.do(ctx, func(ctx context.Context) error {
		revision = r.rev.last
		if len(elements) == 0 {
			// spec.md §8: an empty write is accepted but does not
			// increment the revision or emit a notification.
			return nil
		}
		revision = r.rev.next()
		for clientIdent, we := range elements {
			var incoming MetadataValue
			if err := json.Unmarshal(we.Value, &incoming); err != nil {
				return fmt.Errorf("resources: decode metadata write for %q: %w", clientIdent, err)
			}

			tableID := clientIdent
			if incoming.Remove {
				if existing, err := r.coll.Get(ctx, tableID); err == nil {
					var cur MetadataValue
					if err := json.Unmarshal(existing.Value, &cur); err == nil && r.manager != nil {
						if table, err := r.manager.GetOrCreateTable(ctx, cur.TableApp, cur.TablePath); err == nil {
							if tr, ok := table.(*TableResource); ok {
								_ = tr.RemoveTable(ctx)
							}
						}
					}
				}
				tomb := MetadataValue{Deleted: true}
				raw, err := json.Marshal(tomb)
				if err != nil {
					return err
				}
				if err := r.coll.Put(ctx, storage.Record{ID: tableID, Value: raw, Revision: revision}); err != nil {
					return err
				}
				update = append(update, Element{Ident: tableID, Deleted: true, Revision: revision})
				continue
			}

			if _, getErr := r.coll.Get(ctx, tableID); tableID == "" || tableID == "0" || errors.Is(getErr, storage.ErrNotFound) {
				r.nextTID++
				tableID = fmt.Sprintf("t%d", r.nextTID)
				ack[clientIdent] = tableID
			}

			merged := incoming
			if existing, err := r.coll.Get(ctx, tableID); err == nil {
				var cur MetadataValue
				if err := json.Unmarshal(existing.Value, &cur); err == nil {
					merged = mergeMetadataValue(cur, incoming)
				}
			}

			if len(incoming.Data) > 0 && r.manager != nil {
				table, err := r.manager.GetOrCreateTable(ctx, merged.TableApp, merged.TablePath)
				if err != nil {
					return fmt.Errorf("resources: resolve table for metadata %q: %w", tableID, err)
				}
				var elementsForTable map[string]WriteElement
				if err := json.Unmarshal(incoming.Data, &elementsForTable); err != nil {
					return fmt.Errorf("resources: decode inline metadata data for %q: %w", tableID, err)
				}
				if _, _, err := table.Write(ctx, originator, elementsForTable); err != nil {
					return fmt.Errorf("resources: route inline metadata data to table: %w", err)
				}
			}

			merged.Data = nil
			raw, err := json.Marshal(merged)
			if err != nil {
				return err
			}
			if err := r.coll.Put(ctx, storage.Record{ID: tableID, Value: raw, Revision: revision}); err != nil {
				return err
			}
			update = append(update, Element{Ident: tableID, Value: raw, Revision: revision})
		}
		r.notifyLocked(originator, Update{ResourceID: r.id, Elements: update, Revision: revision})
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return ack, revision, nil
}

func mergeMetadataValue(cur, incoming MetadataValue) MetadataValue {
	merged := cur
	if incoming.Name != "" {
		merged.Name = incoming.Name
	}
	if incoming.Attributes != nil {
		merged.Attributes = incoming.Attributes
	}
	if incoming.TableApp != "" {
		merged.TableApp = incoming.TableApp
	}
	if incoming.TablePath != nil {
		merged.TablePath = incoming.TablePath
	}
	return merged
}
