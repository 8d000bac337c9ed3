package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syncmesh/resourced/internal/auth"
	"github.com/syncmesh/resourced/internal/identchan"
	"github.com/syncmesh/resourced/internal/identity"
	"github.com/syncmesh/resourced/internal/protocol"
	"github.com/syncmesh/resourced/internal/resources"
)

// resourceSpecWire is the wire shape of a subscribe message's resourceSpec
// (spec.md §3.2: `{ type, owner?, app?, path?, params? }`). "external" is
// accepted alongside the three spec.md-named types since
// resources.Manager already exposes a first-class external resource kind
// (spec.md §4.7.4).
type resourceSpecWire struct {
	Type   string            `json:"type"`
	Owner  string            `json:"owner,omitempty"`
	App    string            `json:"app,omitempty"`
	Path   []string          `json:"path,omitempty"`
	Params []json.RawMessage `json:"params,omitempty"`
}

func parseResourceKind(t string) (resources.Kind, auth.ResourceKind, error) {
	switch t {
	case "appState":
		return resources.KindAppState, auth.KindAppState, nil
	case "table":
		return resources.KindTable, auth.KindTable, nil
	case "metadata":
		return resources.KindMetadata, auth.KindMetadata, nil
	case "external":
		return resources.KindExternal, auth.KindExternal, nil
	default:
		return 0, 0, fmt.Errorf("session: unknown resourceSpec type %q", t)
	}
}

func resourceAuthName(rs resourceSpecWire) string {
	if rs.Type == "metadata" {
		return ""
	}
	return rs.App
}

func (s *Session) resolveResource(ctx context.Context, kind resources.Kind, rs resourceSpecWire) (resources.Resource, error) {
	switch kind {
	case resources.KindAppState:
		return s.manager.GetOrCreateAppState(ctx, rs.Owner, rs.App)
	case resources.KindTable:
		return s.manager.GetOrCreateTable(ctx, rs.App, rs.Path)
	case resources.KindMetadata:
		return s.manager.GetOrCreateMetadata(ctx)
	case resources.KindExternal:
		return s.manager.GetOrCreateExternal(ctx, rs.App, rs.Path, rs.Params)
	default:
		return nil, fmt.Errorf("session: unsupported resource kind %v", kind)
	}
}

// handleSubscribe implements spec.md §4.8's `subscribe`: authorise, resolve,
// register, then deliver a full or incremental initial element set. Since a
// Session drains one frame at a time on a single goroutine and this whole
// sequence runs to completion before the next frame is read, there is no
// window in which a later message for this resourceId could arrive before
// registration finishes — the spec's queue-while-pending-authorisation
// behaviour is satisfied trivially rather than by an explicit queue.
func (s *Session) handleSubscribe(ctx context.Context, raw json.RawMessage) error {
	var msg protocol.Subscribe
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("session: decode subscribe: %w", err)
	}
	var rs resourceSpecWire
	if err := json.Unmarshal(msg.ResourceSpec, &rs); err != nil {
		return fmt.Errorf("session: decode resourceSpec: %w", err)
	}
	kind, authKind, err := parseResourceKind(rs.Type)
	if err != nil {
		return s.denySubscribe(msg.ResourceID, "unknown resource type")
	}

	allowed := s.cfg.LocalMode
	if !allowed {
		verdict, err := s.authn.Resolver.Resolve(ctx, rs.Owner, authKind, rs.Type, resourceAuthName(rs), s.currentUser())
		if err != nil {
			return fmt.Errorf("session: resolve authorization: %w", err)
		}
		allowed = verdict == auth.Allow
	}
	if !allowed {
		return s.denySubscribe(msg.ResourceID, "not authorized")
	}

	resource, err := s.resolveResource(ctx, kind, rs)
	if err != nil {
		return fmt.Errorf("session: resolve resource: %w", err)
	}

	b := &binding{clientResourceID: msg.ResourceID, resource: resource, kind: kind}
	subID, err := resource.Subscribe(ctx, &subscriberAdapter{session: s, binding: b})
	if err != nil {
		return fmt.Errorf("session: subscribe: %w", err)
	}
	b.subscriberID = subID

	if kind == resources.KindAppState {
		if asr, ok := resource.(*resources.AppStateResource); ok {
			b.registry = asr.Registry()
			b.identChan = identchan.New(b.registry)
		}
	}

	s.mu.Lock()
	s.bindings[msg.ResourceID] = b
	s.mu.Unlock()

	elements, lastRevision, err := resource.GetAllElements(ctx, msg.Revision)
	if err != nil {
		return fmt.Errorf("session: get elements: %w", err)
	}
	wireElements, err := s.marshalElements(ctx, b, elements)
	if err != nil {
		return fmt.Errorf("session: marshal initial elements: %w", err)
	}
	if err := s.flushDefines(b); err != nil {
		return fmt.Errorf("session: flush initial defines: %w", err)
	}
	return s.send(protocol.ResourceUpdate{
		Type:       protocol.TypeResourceUpdate,
		ResourceID: msg.ResourceID,
		Update:     wireElements,
		Revision:   lastRevision,
	})
}

func (s *Session) denySubscribe(clientResourceID uint64, reason string) error {
	return s.send(protocol.ResourceUpdate{
		Type:       protocol.TypeResourceUpdate,
		ResourceID: clientResourceID,
		Error:      true,
		Reason:     reason,
	})
}

func (s *Session) lookupBinding(clientResourceID uint64) (*binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[clientResourceID]
	return b, ok
}

func (s *Session) removeBinding(clientResourceID uint64) {
	s.mu.Lock()
	delete(s.bindings, clientResourceID)
	s.mu.Unlock()
}

func (s *Session) handleUnsubscribe(ctx context.Context, raw json.RawMessage) error {
	var msg protocol.Unsubscribe
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("session: decode unsubscribe: %w", err)
	}
	b, ok := s.lookupBinding(msg.ResourceID)
	if !ok {
		return nil
	}
	s.removeBinding(msg.ResourceID)
	return b.resource.Unsubscribe(ctx, b.subscriberID)
}

func (s *Session) handleReleaseResource(ctx context.Context, raw json.RawMessage) error {
	var msg protocol.ReleaseResource
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("session: decode releaseResource: %w", err)
	}
	b, ok := s.lookupBinding(msg.ResourceID)
	if !ok {
		return nil
	}
	s.removeBinding(msg.ResourceID)
	return b.resource.ReleaseResource(ctx, b.subscriberID)
}

// handleWrite implements spec.md §4.8's `write`: decode the element map,
// call resource.Write, and reply with a writeAck carrying the assigned
// revision (spec.md §4.9: the ack must be consistent with the update a
// live subscriber would have received for the same revision).
func (s *Session) handleWrite(ctx context.Context, raw json.RawMessage) error {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("session: decode envelope: %w", err)
	}
	var msg protocol.Write
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("session: decode write: %w", err)
	}

	b, ok := s.lookupBinding(msg.ResourceID)
	if !ok {
		return s.send(protocol.WriteAck{
			Type:       protocol.TypeWriteAck,
			ResourceID: msg.ResourceID,
			Status:     false,
			InReplyTo:  env.SequenceNr,
		})
	}

	elements, err := decodeWriteElements(ctx, b, msg.List)
	if err != nil {
		return s.send(protocol.WriteAck{
			Type:       protocol.TypeWriteAck,
			ResourceID: msg.ResourceID,
			Status:     false,
			InReplyTo:  env.SequenceNr,
		})
	}

	ack, revision, err := b.resource.Write(ctx, b.subscriberID, elements)
	if err != nil {
		return s.send(protocol.WriteAck{
			Type:       protocol.TypeWriteAck,
			ResourceID: msg.ResourceID,
			Status:     false,
			InReplyTo:  env.SequenceNr,
		})
	}

	info, err := encodeAckInfo(ack)
	if err != nil {
		return fmt.Errorf("session: encode writeAck info: %w", err)
	}
	return s.send(protocol.WriteAck{
		Type:       protocol.TypeWriteAck,
		ResourceID: msg.ResourceID,
		Revision:   revision,
		Info:       info,
		Status:     true,
		InReplyTo:  env.SequenceNr,
	})
}

func encodeAckInfo(ack resources.AckInfo) (map[string]json.RawMessage, error) {
	if len(ack) == 0 {
		return nil, nil
	}
	out := make(map[string]json.RawMessage, len(ack))
	for k, v := range ack {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = raw
	}
	return out, nil
}

// handleDefine implements spec.md §4.8's `define`: each entry is translated
// and registered on this connection's identifier channel for the named
// resource's paid manager.
func (s *Session) handleDefine(ctx context.Context, raw json.RawMessage) error {
	var msg protocol.Define
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("session: decode define: %w", err)
	}
	b, ok := s.lookupBinding(msg.ResourceID)
	if !ok || b.identChan == nil {
		return fmt.Errorf("session: define for resource %d with no app-state binding", msg.ResourceID)
	}
	for _, entry := range msg.List {
		switch entry.Kind {
		case "template":
			var wire templateDefWire
			if err := json.Unmarshal(entry.Entry, &wire); err != nil {
				return fmt.Errorf("session: decode template define %d: %w", entry.ID, err)
			}
			_, err := b.identChan.AddRemoteTemplateDefinition(ctx, identchan.RemoteTemplateDef{
				RemoteID:   entry.ID,
				ParentID:   wire.ParentID,
				ChildType:  identity.ChildType(wire.ChildType),
				ChildName:  wire.ChildName,
				ReferredID: wire.ReferredID,
			})
			if err != nil {
				return fmt.Errorf("session: add remote template definition %d: %w", entry.ID, err)
			}
		case "index":
			var wire indexDefWire
			if err := json.Unmarshal(entry.Entry, &wire); err != nil {
				return fmt.Errorf("session: decode index define %d: %w", entry.ID, err)
			}
			_, err := b.identChan.AddRemoteIndexDefinition(ctx, identchan.RemoteIndexDef{
				RemoteID: entry.ID,
				PrefixID: wire.PrefixID,
				Append:   wire.Append,
				Compose:  wire.Compose,
			})
			if err != nil {
				return fmt.Errorf("session: add remote index definition %d: %w", entry.ID, err)
			}
		default:
			return fmt.Errorf("session: unknown define entry kind %q", entry.Kind)
		}
	}
	return nil
}

func (s *Session) handleLogin(ctx context.Context, raw json.RawMessage) error {
	var msg protocol.Login
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("session: decode login: %w", err)
	}
	if err := s.authn.Login(ctx, msg.Username, msg.Password); err != nil {
		return s.send(protocol.LoginStatus{
			Type:          protocol.TypeLoginStatus,
			Username:      msg.Username,
			Authenticated: false,
			Reason:        err.Error(),
			LoginSeqNr:    msg.LoginSeqNr,
		})
	}
	s.setUser(msg.Username)
	return s.send(protocol.LoginStatus{
		Type:          protocol.TypeLoginStatus,
		Username:      msg.Username,
		Authenticated: true,
		LoginSeqNr:    msg.LoginSeqNr,
	})
}

// handleCreateAccount provisions a new account then logs the connection in
// as that user, matching the login flow a client drives immediately after
// a successful signup.
func (s *Session) handleCreateAccount(ctx context.Context, raw json.RawMessage) error {
	var msg protocol.CreateAccount
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("session: decode createAccount: %w", err)
	}
	if err := s.authn.CreateAccount(ctx, msg.Username, msg.Password, msg.Email); err != nil {
		return s.send(protocol.LoginStatus{
			Type:          protocol.TypeLoginStatus,
			Username:      msg.Username,
			Authenticated: false,
			Reason:        err.Error(),
			LoginSeqNr:    msg.LoginSeqNr,
		})
	}
	s.setUser(msg.Username)
	return s.send(protocol.LoginStatus{
		Type:          protocol.TypeLoginStatus,
		Username:      msg.Username,
		Authenticated: true,
		LoginSeqNr:    msg.LoginSeqNr,
	})
}

// handleLogout implements spec.md §4.8's `logout`: clears the authenticated
// identity and unsubscribes every resource that is not publicly readable
// (a table or metadata resource while the server runs with public data
// access enabled survives the logout).
func (s *Session) handleLogout(ctx context.Context, raw json.RawMessage) error {
	s.setUser("")

	s.mu.Lock()
	var toDrop []*binding
	for id, b := range s.bindings {
		if s.cfg.PublicDataAccess && (b.kind == resources.KindTable || b.kind == resources.KindMetadata) {
			continue
		}
		toDrop = append(toDrop, b)
		delete(s.bindings, id)
	}
	s.mu.Unlock()

	for _, b := range toDrop {
		if err := b.resource.Unsubscribe(ctx, b.subscriberID); err != nil {
			s.log.Warn("session: unsubscribe on logout for resource %d: %v", b.clientResourceID, err)
		}
	}
	return nil
}
