package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syncmesh/resourced/internal/identchan"
	"github.com/syncmesh/resourced/internal/protocol"
	"github.com/syncmesh/resourced/internal/resources"
	"github.com/syncmesh/resourced/internal/xdr"
)

// marshalElements prepares a resource's elements for the wire. AppState
// elements are already stored in canonical (local-id) XDR form, so they are
// sent through unchanged; any embedded elementRef still needs its
// referenced template/index queued for a `define` flush on this connection
// (spec.md §3 invariant 6). Table/metadata/external elements carry
// ordinary JSON, untouched by the identifier channel.
func (s *Session) marshalElements(ctx context.Context, b *binding, elements []resources.Element) ([]protocol.WriteElement, error) {
	out := make([]protocol.WriteElement, 0, len(elements))
	for _, e := range elements {
		if b.kind == resources.KindAppState && b.identChan != nil && len(e.Value) > 0 {
			if err := registerElementRefs(e.Value, b.identChan); err != nil {
				return nil, fmt.Errorf("session: register element refs for %q: %w", e.Ident, err)
			}
		}
		out = append(out, protocol.WriteElement{Ident: e.Ident, Value: e.Value})
	}
	return out, nil
}

// decodeWriteElements translates an incoming write's elements into the
// canonical local-id form resources.Write persists. AppState values are
// run through the XDR codec (translating any elementRef's peer-minted ids
// to local ones via identChan); other kinds pass their raw JSON straight
// through, as internal/resources already tests against.
func decodeWriteElements(ctx context.Context, b *binding, list []protocol.WriteElement) (map[string]resources.WriteElement, error) {
	out := make(map[string]resources.WriteElement, len(list))
	for _, entry := range list {
		if b.kind != resources.KindAppState || b.identChan == nil {
			out[entry.Ident] = resources.WriteElement{Value: entry.Value}
			continue
		}
		v, err := xdr.Unmarshal(ctx, entry.Value, b.identChan)
		if err != nil {
			return nil, fmt.Errorf("session: decode write value for %q: %w", entry.Ident, err)
		}
		if _, isDelete := v.(xdr.Delete); isDelete {
			out[entry.Ident] = resources.WriteElement{Deleted: true}
			continue
		}
		canon, err := xdr.Marshal(ctx, v, b.identChan)
		if err != nil {
			return nil, fmt.Errorf("session: re-encode write value for %q: %w", entry.Ident, err)
		}
		out[entry.Ident] = resources.WriteElement{Value: canon}
	}
	return out, nil
}

// refEnvelope mirrors just the fields of the XDR wire envelope
// (internal/xdr's wireEnvelope) registerElementRefs needs to recurse
// through a value without fully decoding it.
type refEnvelope struct {
	Type string `json:"type"`

	Inner json.RawMessage `json:"inner,omitempty"`

	Values []json.RawMessage `json:"values,omitempty"`

	Lo json.RawMessage `json:"lo,omitempty"`
	Hi json.RawMessage `json:"hi,omitempty"`

	SubQueries []json.RawMessage `json:"subQueries,omitempty"`

	Fields map[string]json.RawMessage `json:"fields,omitempty"`

	TemplateID int64 `json:"templateId,omitempty"`
	IndexID    int64 `json:"indexId,omitempty"`
}

// registerElementRefs walks raw, queuing every elementRef's template/index
// id for a `define` flush. Non-XDR JSON (no recognizable `type` tag) is
// silently ignored rather than treated as an error, since table and
// metadata values never carry this envelope shape.
func registerElementRefs(raw json.RawMessage, ch *identchan.Channel) error {
	var env refEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		return nil
	}
	switch env.Type {
	case "elementRef":
		if err := ch.DefineTemplate(env.TemplateID); err != nil {
			return err
		}
		return ch.DefineIndex(env.IndexID)
	case "projector":
		return registerElementRefs(env.Inner, ch)
	case "orderedSet", "negation":
		return registerElementRefsSlice(env.Values, ch)
	case "range":
		if err := registerElementRefs(env.Lo, ch); err != nil {
			return err
		}
		return registerElementRefs(env.Hi, ch)
	case "compareFunc":
		return registerElementRefsSlice(env.SubQueries, ch)
	case "attributeValue":
		for _, v := range env.Fields {
			if err := registerElementRefs(v, ch); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func registerElementRefsSlice(raws []json.RawMessage, ch *identchan.Channel) error {
	for _, raw := range raws {
		if err := registerElementRefs(raw, ch); err != nil {
			return err
		}
	}
	return nil
}

// encodeDefineEntries renders pending template/index ids as the `define`
// message's entry list, reading each entry back out of registry (spec.md
// §3: a define carries the full tuple, not just the id).
func encodeDefineEntries(b *binding, templateIDs, indexIDs []int64) ([]protocol.DefineEntry, error) {
	entries := make([]protocol.DefineEntry, 0, len(templateIDs)+len(indexIDs))
	for _, id := range templateIDs {
		entry, ok := b.registry.GetTemplate(id)
		if !ok {
			return nil, fmt.Errorf("session: define flush references unknown template %d", id)
		}
		raw, err := json.Marshal(templateDefWire{
			ParentID:   entry.ParentID,
			ChildType:  string(entry.ChildType),
			ChildName:  entry.ChildName,
			ReferredID: entry.ReferredID,
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, protocol.DefineEntry{Kind: "template", ID: id, Entry: raw})
	}
	for _, id := range indexIDs {
		entry, ok := b.registry.GetIndex(id)
		if !ok {
			return nil, fmt.Errorf("session: define flush references unknown index %d", id)
		}
		raw, err := json.Marshal(indexDefWire{
			PrefixID: entry.PrefixID,
			Append:   entry.Append,
			Compose:  entry.Compose,
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, protocol.DefineEntry{Kind: "index", ID: id, Entry: raw})
	}
	return entries, nil
}

// templateDefWire is the `define` entry payload for kind "template".
type templateDefWire struct {
	ParentID   int64   `json:"parentId"`
	ChildType  string  `json:"childType"`
	ChildName  string  `json:"childName"`
	ReferredID *int64  `json:"referredId,omitempty"`
}

// indexDefWire is the `define` entry payload for kind "index".
type indexDefWire struct {
	PrefixID int64   `json:"prefixId"`
	Append   *string `json:"append,omitempty"`
	Compose  *int64  `json:"compose,omitempty"`
}
