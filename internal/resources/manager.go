package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/syncmesh/resourced/internal/bus"
	"github.com/syncmesh/resourced/internal/logger"
	"github.com/syncmesh/resourced/internal/storage"
)

// MetadataSpec is the single metadata singleton's canonical spec-string
// (spec.md §4.6).
const MetadataSpec = "metadata"

// AppStateSpec builds the canonical spec-string for an app-state resource,
// escape-encoding owner and app to avoid ambiguity.
func AppStateSpec(owner, app string) string {
	return fmt.Sprintf("rrm.appState.%s.%s",
		strings.ReplaceAll(url.PathEscape(owner), ".", "%2E"),
		strings.ReplaceAll(url.PathEscape(app), ".", "%2E"))
}

// TableSpec builds the canonical spec-string for a table resource.
func TableSpec(app string, path []string) string {
	return fmt.Sprintf("tables.%s.%s", url.PathEscape(app), encodePath(path))
}

// ExternalSpec builds the canonical spec-string for an external resource;
// params are ordered positionally, not by name, per spec.md §4.6.
func ExternalSpec(app string, path []string, params []json.RawMessage) string {
	paramsJSON, _ := json.Marshal(params)
	return fmt.Sprintf("external.%s.%s?%s", url.PathEscape(app), encodePath(path), paramsJSON)
}

func encodePath(path []string) string {
	encoded := make([]string, len(path))
	for i, p := range path {
		encoded[i] = url.PathEscape(p)
	}
	out := ""
	for i, e := range encoded {
		if i > 0 {
			out += "/"
		}
		out += e
	}
	return out
}

// Manager is the Resource Manager (spec.md §4.6): a registry keyed by
// canonical spec-string, handing out monotonically increasing numeric ids
// that are never reused during a server run.
type Manager struct {
	store  storage.Store
	logger *logger.Logger

	externalConfig ExternalConfig
	relay          *Relay

	mu     sync.Mutex
	bySpec map[string]Resource
	byID   map[uint64]Resource
	nextID uint64 // accessed only under mu; kept as a plain field, not atomic
}

// NewManager constructs a Manager backed by store, using log for
// diagnostics and cfg to resolve external data source definitions.
func NewManager(store storage.Store, log *logger.Logger, cfg ExternalConfig) *Manager {
	return &Manager{
		store:          store,
		logger:         log,
		externalConfig: cfg,
		bySpec:         make(map[string]Resource),
		byID:           make(map[uint64]Resource),
	}
}

// AttachBus wires the cross-instance bus into the manager (SPEC_FULL.md
// §3): every AppState and Table resource constructed from this point on
// republishes its writes on b and merges in whatever other processes
// publish under the same spec. leader may be nil to skip the advisory
// leader-token check. Must be called before any resource is constructed;
// resources already handed out before this call are not retrofitted.
func (m *Manager) AttachBus(b *bus.Bus, leader *bus.Leader, originID string) {
	m.relay = &Relay{Bus: b, Leader: leader, OriginID: originID, Log: m.logger}
}

// Resource is the common contract every concrete resource kind satisfies
// (spec.md §4.7).
type Resource interface {
	ID() uint64
	Kind() Kind
	Spec() string
	AlsoNotifyWriter() bool

	GetAllElements(ctx context.Context, fromRevision *int64) ([]Element, int64, error)
	Subscribe(ctx context.Context, sub Subscriber) (SubscriberID, error)
	Unsubscribe(ctx context.Context, id SubscriberID) error
	ReleaseResource(ctx context.Context, id SubscriberID) error
	Write(ctx context.Context, originator SubscriberID, elements map[string]WriteElement) (AckInfo, int64, error)
	Close()
}

// GetResourceBySpec returns the cached resource for spec, or instantiates
// and registers the appropriate concrete kind (spec.md §4.6). params is
// only meaningful for KindExternal.
func (m *Manager) GetResourceBySpec(ctx context.Context, kind Kind, spec string, app string, path []string, params []json.RawMessage) (Resource, error) {
	m.mu.Lock()
	if r, ok := m.bySpec[spec]; ok {
		m.mu.Unlock()
		return r, nil
	}
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	var r Resource
	switch kind {
	case KindAppState:
		owner, app2 := splitAppStateSpec(spec)
		r = newAppStateResource(id, spec, m.store, owner, app2, m.relay)
	case KindTable:
		r = newTableResource(id, spec, m.store, app, path, m.relay)
	case KindMetadata:
		r = newMetadataResource(id, spec, m.store, m, m.externalConfig)
	case KindExternal:
		r = newExternalResource(id, spec, app, path, params, m.externalConfig)
	default:
		return nil, fmt.Errorf("resources: unknown resource kind %v", kind)
	}

	m.mu.Lock()
	if existing, ok := m.bySpec[spec]; ok {
		// Lost the race to register this spec; drop our instance.
		m.mu.Unlock()
		r.Close()
		return existing, nil
	}
	m.bySpec[spec] = r
	m.byID[id] = r
	m.mu.Unlock()
	return r, nil
}

// GetByID looks up a previously registered resource by its numeric id.
func (m *Manager) GetByID(id uint64) (Resource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	return r, ok
}

// GetOrCreateTable resolves a table resource by (app, path), used by
// MetadataResource when an inline `data` field names a table that has no
// resource instance yet (spec.md §4.7.3).
func (m *Manager) GetOrCreateTable(ctx context.Context, app string, path []string) (Resource, error) {
	return m.GetResourceBySpec(ctx, KindTable, TableSpec(app, path), app, path, nil)
}

// GetOrCreateExternal resolves an external resource by (app, path, params).
func (m *Manager) GetOrCreateExternal(ctx context.Context, app string, path []string, params []json.RawMessage) (Resource, error) {
	return m.GetResourceBySpec(ctx, KindExternal, ExternalSpec(app, path, params), app, path, params)
}

// GetOrCreateAppState resolves an app-state resource by (owner, app).
func (m *Manager) GetOrCreateAppState(ctx context.Context, owner, app string) (Resource, error) {
	return m.GetResourceBySpec(ctx, KindAppState, AppStateSpec(owner, app), app, nil, nil)
}

// GetOrCreateMetadata resolves the metadata singleton.
func (m *Manager) GetOrCreateMetadata(ctx context.Context) (Resource, error) {
	return m.GetResourceBySpec(ctx, KindMetadata, MetadataSpec, "", nil, nil)
}

func splitAppStateSpec(spec string) (owner, app string) {
	// spec has the shape "rrm.appState.<owner>.<app>"; owner/app segments
	// were escaped by AppStateSpec ('.' included) and contain no literal '.', so a
	// naive split on '.' after the fixed prefix is safe.
	const prefix = "rrm.appState."
	if len(spec) <= len(prefix) {
		return "", ""
	}
	rest := spec[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '.' {
			o, _ := url.PathUnescape(rest[:i])
			a, _ := url.PathUnescape(rest[i+1:])
			return o, a
		}
	}
	return rest, ""
}
