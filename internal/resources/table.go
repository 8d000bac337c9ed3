package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syncmesh/resourced/internal/bus"
	"github.com/syncmesh/resourced/internal/storage"
)

// TableResource implements spec.md §4.7.2: one mapping record at path []
// plus one record per column path, replaced as a whole on every write
// (remove everything, then reinsert the mapping and every column in
// sequence, all under the same new revision).
type TableResource struct {
	*core

	app  string
	path []string

	coll storage.Collection
	rev  revisionAllocator
}

func newTableResource(id uint64, spec string, store storage.Store, app string, path []string, relay *Relay) *TableResource {
	r := &TableResource{
		// Bulk table writes are externally visible, so the writer is
		// notified of its own write too (spec.md §4.7.2: alsoNotifyWriter = true).
		core: newCore(id, KindTable, spec, true, false),
		app:  app,
		path: path,
		coll: store.Collection(spec),
	}

	ctx := context.Background()
	r.core.attachRelay(ctx, relay, r.applyRemote)

	go func() {
		_ = r.hydrateRevision(ctx)
		r.core.setReady()
	}()
	return r
}

// applyRemote replays a whole-table replacement relayed from another
// process's write (SPEC_FULL.md §3), mirroring Write's own clear-then-
// reinsert semantics so both processes converge on the same record set.
func (r *TableResource) applyRemote(ctx context.Context, msg bus.Message) {
	if msg.Revision <= r.rev.last {
		return
	}
	if err := r.coll.Clear(ctx); err != nil {
		return
	}
	elements := make([]Element, 0, len(msg.Elements))
	for _, e := range msg.Elements {
		if err := r.coll.Put(ctx, storage.Record{ID: e.Ident, Value: e.Value, Revision: msg.Revision}); err != nil {
			continue
		}
		elements = append(elements, Element{Ident: e.Ident, Value: e.Value, Revision: msg.Revision})
	}
	r.rev.observe(msg.Revision)
	r.notifyLocked(0, Update{ResourceID: r.id, Elements: elements, Revision: msg.Revision})
}

func (r *TableResource) hydrateRevision(ctx context.Context) error {
	records, err := r.coll.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		r.rev.observe(rec.Revision)
	}
	return nil
}

func (r *TableResource) GetAllElements(ctx context.Context, fromRevision *int64) ([]Element, int64, error) {
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
			elements = append(elements, Element{Ident: rec.ID, Value: rec.Value, Revision: rec.Revision})
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return elements, r.rev.last, nil
}

// Write atomically replaces the whole table: clear every existing record,
// then insert the mapping and every column record under one new revision
// (spec.md §4.7.2).
func (r *TableResource) Write(ctx context.Context, originator SubscriberID, elements map[string]WriteElement) (AckInfo, int64, error) {
	var revision int64
	var update []Element
	err := r.do(ctx, func(ctx context.Context) error {
		revision = r.rev.last
		if len(elements) == 0 {
			// spec.md §8: an empty write is accepted but does not
			// increment the revision or emit a notification.
			return nil
		}
		if err := r.coll.Clear(ctx); err != nil {
			return fmt.Errorf("resources: clear table %q: %w", r.spec, err)
		}
		r.checkLeader(ctx)
		revision = r.rev.next()

		// Insert the mapping record (ident "") first, then columns, as
		// spec.md §4.7.2 specifies the insertion order.
		if mapping, ok := elements[""]; ok {
			if err := r.putElement(ctx, "", mapping.Value, revision); err != nil {
				return err
			}
			update = append(update, Element{Ident: "", Value: mapping.Value, Revision: revision})
		}
		for ident, we := range elements {
			if ident == "" {
				continue
			}
			// Column values are compressed into the PathValuesRanges/
			// IndexedValues shape at persistence time (spec.md §4.7.2,
			// §4.7.5), the same wire form ExternalResource.GetAllElements
			// synthesizes on read.
			compressed, err := compressColumnValue(we.Value)
			if err != nil {
				return fmt.Errorf("resources: compress column %q: %w", ident, err)
			}
			if err := r.putElement(ctx, ident, compressed, revision); err != nil {
				return err
			}
			update = append(update, Element{Ident: ident, Value: compressed, Revision: revision})
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

func (r *TableResource) putElement(ctx context.Context, ident string, value json.RawMessage, revision int64) error {
	return r.coll.Put(ctx, storage.Record{ID: ident, Value: value, Revision: revision})
}

// compressColumnValue decodes a column write's dense per-row JSON array
// (one entry per row, null meaning "no value at this row") and re-encodes
// it as a ColumnRecord via CompressColumn.
func compressColumnValue(raw json.RawMessage) (json.RawMessage, error) {
	var values []json.RawMessage
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("resources: decode column values: %w", err)
	}
	runs, dictionary := CompressColumn(values)
	record := ColumnRecord{PathValuesRanges: runs, IndexedValues: dictionary}
	return json.Marshal(record)
}

// RemoveTable drops the underlying collection and emits an empty resource
// update (spec.md §4.7.2).
func (r *TableResource) RemoveTable(ctx context.Context) error {
	return r.do(ctx, func(ctx context.Context) error {
		if err := r.coll.Clear(ctx); err != nil {
			return err
		}
		r.checkLeader(ctx)
		revision := r.rev.next()
		out := Update{ResourceID: r.id, Elements: nil, Revision: revision}
		r.notifyLocked(0, out)
		r.publishRemote(out)
		return nil
	})
}

// ColumnMapping is the JSON shape of the path-[] mapping record's value
// (spec.md §4.7.2: "row count, first-element id, list of column paths").
type ColumnMapping struct {
	RowCount       int      `json:"rowCount"`
	FirstElementID string   `json:"firstElementId"`
	ColumnPaths    []string `json:"columnPaths"`
}

// ColumnRecord is the JSON shape of a per-column record's value.
type ColumnRecord struct {
	PathValuesRanges []Run             `json:"pathValuesRanges"`
	IndexedValues    []json.RawMessage `json:"indexedValues,omitempty"`
}
