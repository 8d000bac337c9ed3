// Package session implements the per-connection Session (spec.md §4.8): one
// instance per client WebSocket connection, owning the identifier channels,
// the outbound sequencing pool, and the authenticated-user state for that
// connection. Modelled on the teacher's internal/network.Connection, but
// with a single internal/wire.Conn per client rather than a raw websocket.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncmesh/resourced/internal/auth"
	"github.com/syncmesh/resourced/internal/identchan"
	"github.com/syncmesh/resourced/internal/identity"
	"github.com/syncmesh/resourced/internal/logger"
	"github.com/syncmesh/resourced/internal/monitoring"
	"github.com/syncmesh/resourced/internal/protocol"
	"github.com/syncmesh/resourced/internal/resources"
	"github.com/syncmesh/resourced/internal/wire"
)

// Config carries the subset of internal/config.Config a Session needs.
// Authorization options (owner-implicit-allow, public data access for the
// six-step algorithm) and account-creation policy live in the
// auth.Resolver/auth.Authenticator a Session is constructed with instead of
// being duplicated here; PublicDataAccess is kept because logout's
// publicly-readable check (spec.md §4.8) needs it independent of any
// particular resource's authorization outcome.
type Config struct {
	LocalMode        bool
	PublicDataAccess bool
	PoolSize         int
	PoolDelay        time.Duration
}

// binding is one client-chosen resourceId's subscription state.
type binding struct {
	clientResourceID uint64
	resource         resources.Resource
	subscriberID     resources.SubscriberID
	kind             resources.Kind
	identChan        *identchan.Channel // non-nil only for KindAppState
	registry         *identity.Registry // non-nil only for KindAppState
}

// Session is one client connection's worth of protocol state (spec.md §4.8).
type Session struct {
	ID string

	conn       *wire.Conn
	dispatcher *protocol.Dispatcher
	pool       *protocol.Pool
	manager    *resources.Manager
	authn      *auth.Authenticator
	log        *logger.Logger
	metrics    *monitoring.Metrics
	cfg        Config

	mu       sync.Mutex
	user     string
	bindings map[uint64]*binding
	closed   bool
}

// New constructs a Session around conn. Run must be called to drive it.
func New(conn *wire.Conn, manager *resources.Manager, authn *auth.Authenticator, log *logger.Logger, metrics *monitoring.Metrics, cfg Config) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		conn:       conn,
		dispatcher: protocol.NewDispatcher(),
		manager:    manager,
		authn:      authn,
		log:        log,
		metrics:    metrics,
		cfg:        cfg,
		bindings:   make(map[uint64]*binding),
	}
	// The session's message layer multiplexes everything through wire
	// resourceID 0: the dispatcher's global monotonic sequence number
	// already makes every (resourceID=0, seq) reassembly key unique, so
	// per-resource transport multiplexing buys nothing extra here.
	s.pool = protocol.NewPool(cfg.PoolSize, cfg.PoolDelay, func(seq int64, payload []byte) error {
		return s.conn.Send(0, seq, payload)
	})
	return s
}

// Run drains conn.Frames() until the connection closes, dispatching each
// reassembled message by its type discriminator (spec.md §4.8).
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()
	for frame := range s.conn.Frames() {
		typ, err := protocol.DecodeType(frame.Payload)
		if err != nil {
			s.log.Warn("session: discarding malformed message: %v", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.IncMessagesProcessed()
		}
		if err := s.dispatch(ctx, typ, frame.Payload); err != nil {
			s.log.Warn("session: handling %q: %v", typ, err)
			if s.metrics != nil {
				s.metrics.IncErrors()
			}
		}
	}
	return s.conn.Err()
}

func (s *Session) dispatch(ctx context.Context, typ string, raw json.RawMessage) error {
	switch typ {
	case protocol.TypeSubscribe:
		return s.handleSubscribe(ctx, raw)
	case protocol.TypeUnsubscribe:
		return s.handleUnsubscribe(ctx, raw)
	case protocol.TypeReleaseResource:
		return s.handleReleaseResource(ctx, raw)
	case protocol.TypeWrite:
		return s.handleWrite(ctx, raw)
	case protocol.TypeDefine:
		return s.handleDefine(ctx, raw)
	case protocol.TypeLogin:
		return s.handleLogin(ctx, raw)
	case protocol.TypeCreateAccount:
		return s.handleCreateAccount(ctx, raw)
	case protocol.TypeLogout:
		return s.handleLogout(ctx, raw)
	default:
		return fmt.Errorf("session: unknown message type %q", typ)
	}
}

// send assigns the next outbound sequence number and enqueues payload on
// the pool (spec.md §4.2).
func (s *Session) send(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: marshal outbound message: %w", err)
	}
	seq := s.dispatcher.NextSequence()
	s.pool.Enqueue(seq, payload)
	return nil
}

func (s *Session) currentUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) setUser(user string) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

// Authenticate marks the session as logged in as user. internal/server calls
// this when a connection's initial Authorization header verifies
// successfully (spec.md §4.5), ahead of any explicit login message.
func (s *Session) Authenticate(user string) {
	s.setUser(user)
}

// Terminate sends a termination notice and closes the connection: the
// per-connection half of a HUP'd server process's shutdown (spec.md §5 "a
// server process HUP signals every connection with a termination notice and
// shuts down cleanly").
func (s *Session) Terminate(reason string) {
	_ = s.send(protocol.Terminate{Type: protocol.TypeTerminate, Reason: reason})
	s.pool.Flush()
	s.Close()
}

// Close tears down every live subscription and flushes any buffered
// outbound messages, invoked once when the underlying connection drops.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	bindings := s.bindings
	s.bindings = make(map[uint64]*binding)
	s.mu.Unlock()

	ctx := context.Background()
	for _, b := range bindings {
		_ = b.resource.Unsubscribe(ctx, b.subscriberID)
	}
	s.dispatcher.Shutdown()
	s.pool.Flush()
	_ = s.conn.Close()
}

// subscriberAdapter routes a resource's internal notifications back to the
// client-chosen resourceId that originally requested the subscription
// (spec.md §4.8: the client, not the server, owns this id's numbering).
type subscriberAdapter struct {
	session *Session
	binding *binding
}

func (a *subscriberAdapter) Notify(update resources.Update) {
	a.session.deliverUpdate(a.binding, update)
}

// deliverUpdate marshals update's elements through the binding's codec
// (XDR for app-state, raw pass-through otherwise), flushing any newly
// pending template/index definitions first so invariant 6 (a definition
// always precedes its use) holds on the wire.
func (s *Session) deliverUpdate(b *binding, update resources.Update) {
	ctx := context.Background()
	wireElements, err := s.marshalElements(ctx, b, update.Elements)
	if err != nil {
		s.log.Warn("session: marshal resourceUpdate elements for resource %d: %v", b.clientResourceID, err)
		return
	}
	if err := s.flushDefines(b); err != nil {
		s.log.Warn("session: flush defines for resource %d: %v", b.clientResourceID, err)
		return
	}
	_ = s.send(protocol.ResourceUpdate{
		Type:       protocol.TypeResourceUpdate,
		ResourceID: b.clientResourceID,
		Update:     wireElements,
		Revision:   update.Revision,
		Error:      update.Error,
		Reason:     update.Reason,
	})
}

// flushDefines sends a `define` message for every template/index id queued
// since the last flush on b's identifier channel, if any.
func (s *Session) flushDefines(b *binding) error {
	if b.identChan == nil {
		return nil
	}
	templates, indices := b.identChan.DrainPending()
	if len(templates) == 0 && len(indices) == 0 {
		return nil
	}
	entries, err := encodeDefineEntries(b, templates, indices)
	if err != nil {
		return err
	}
	return s.send(protocol.Define{
		Type:       protocol.TypeDefine,
		ResourceID: b.clientResourceID,
		List:       entries,
	})
}
