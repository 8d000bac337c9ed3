package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ExternalBackend is the shared collaborator an ExternalResource queries
// on first subscription (spec.md §1 lists the external-data-source backend
// as an out-of-process collaborator; this interface is the seam).
type ExternalBackend interface {
	Query(ctx context.Context, app string, path []string, params []json.RawMessage) ([]map[string]json.RawMessage, error)
}

// ExternalSourceDef describes one configured external data source, used
// both to route queries and to synthesize metadata discovery entries
// (spec.md §4.7.3).
type ExternalSourceDef struct {
	Name            string
	Attributes      json.RawMessage
	ParameterSchema json.RawMessage
}

// ExternalConfig bundles the server's configured external data sources and
// the backend used to query them.
type ExternalConfig struct {
	Sources []ExternalSourceDef
	Backend ExternalBackend
}

// ExternalResource implements spec.md §4.7.4: read-only, backed by a
// shared parameter-keyed client; the query runs once, on first
// subscription, and every subsequent subscriber reuses the cached rows.
type ExternalResource struct {
	*core

	app     string
	path    []string
	params  []json.RawMessage
	backend ExternalBackend

	loadOnce sync.Once
	loadErr  error
	columns  []string
	rows     []map[string]json.RawMessage
}

func newExternalResource(id uint64, spec, app string, path []string, params []json.RawMessage, cfg ExternalConfig) *ExternalResource {
	r := &ExternalResource{
		core:    newCore(id, KindExternal, spec, false, true),
		app:     app,
		path:    path,
		params:  params,
		backend: cfg.Backend,
	}
	r.core.onAcquire = r.load
	return r
}

// load runs the backend query exactly once (guarded by sync.Once so
// concurrent first-subscribers dedupe into a single query). It runs as
// onAcquire on the owner goroutine of a resource that is ready from
// construction, so requests submitted meanwhile wait in the request channel
// until the query has finished (spec.md §4.7.4).
func (r *ExternalResource) load(ctx context.Context) error {
	r.loadOnce.Do(func() {
		if r.backend == nil {
			r.loadErr = fmt.Errorf("resources: no external backend configured for %q", r.spec)
		} else {
			rows, err := r.backend.Query(ctx, r.app, r.path, r.params)
			if err != nil {
				r.loadErr = err
			} else {
				r.rows = rows
				r.columns = columnNames(rows)
			}
		}
	})
	return r.loadErr
}

func columnNames(rows []map[string]json.RawMessage) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, row := range rows {
		for k := range row {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				names = append(names, k)
			}
		}
	}
	sort.Strings(names)
	return names
}

// GetAllElements returns the synthetic mapping element (ident "") plus one
// compressed column element per discovered column (spec.md §4.7.4).
// fromRevision is accepted for interface symmetry but ignored: an external
// resource has no revision history, every read reflects the one cached
// snapshot.
func (r *ExternalResource) GetAllElements(ctx context.Context, fromRevision *int64) ([]Element, int64, error) {
	var elements []Element
	err := r.do(ctx, func(ctx context.Context) error {
		if r.loadErr != nil {
			return r.loadErr
		}
		hasRecordID := false
		for _, col := range r.columns {
			if col == "recordId" {
				hasRecordID = true
				break
			}
		}
		columnPaths := r.columns
		if !hasRecordID {
			columnPaths = append([]string{"recordId"}, r.columns...)
		}
		mapping := ColumnMapping{RowCount: len(r.rows), ColumnPaths: columnPaths}
		mappingRaw, err := json.Marshal(mapping)
		if err != nil {
			return err
		}
		elements = append(elements, Element{Ident: "", Value: mappingRaw})

		for _, col := range r.columns {
			values := make([]json.RawMessage, len(r.rows))
			for i, row := range r.rows {
				values[i] = row[col]
			}
			runs, dict := CompressColumn(values)
			record := ColumnRecord{PathValuesRanges: runs, IndexedValues: dict}
			raw, err := json.Marshal(record)
			if err != nil {
				return err
			}
			elements = append(elements, Element{Ident: col, Value: raw})
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return elements, 0, nil
}

// Write is rejected: ExternalResource is read-only (spec.md §4.7.4).
func (r *ExternalResource) Write(ctx context.Context, originator SubscriberID, elements map[string]WriteElement) (AckInfo, int64, error) {
	return nil, 0, fmt.Errorf("resources: external resource %q is read-only", r.spec)
}
