package xdr

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syncmesh/resourced/internal/identchan"
)

// wireEnvelope is the `{ type, ...fields... }` shape every tagged value is
// marshalled into (spec.md §4.4).
type wireEnvelope struct {
	Type string `json:"type"`

	String string `json:"string,omitempty"`

	NumberKind string  `json:"numberKind,omitempty"`
	Number     float64 `json:"number,omitempty"`

	Bool bool `json:"bool,omitempty"`

	Inner json.RawMessage `json:"inner,omitempty"`

	Values []json.RawMessage `json:"values,omitempty"`

	Lo     json.RawMessage `json:"lo,omitempty"`
	Hi     json.RawMessage `json:"hi,omitempty"`
	LoOpen bool             `json:"loOpen,omitempty"`
	HiOpen bool             `json:"hiOpen,omitempty"`

	Pattern string `json:"pattern,omitempty"`

	SubQueries []json.RawMessage `json:"subQueries,omitempty"`
	Ascending  bool              `json:"ascending,omitempty"`

	Fields map[string]json.RawMessage `json:"fields,omitempty"`

	TemplateID int64 `json:"templateId,omitempty"`
	IndexID    int64 `json:"indexId,omitempty"`
}

// Marshal renders v as its tagged JSON wire form. Only ElementRef consults
// ch: it queues the referenced template/index ids for a `define` flush so
// invariant 6 (spec.md §3: a define always precedes its use) holds.
func Marshal(ctx context.Context, v Value, ch *identchan.Channel) (json.RawMessage, error) {
	switch val := v.(type) {
	case String:
		return marshalEnv(wireEnvelope{Type: "string", String: string(val)})
	case Number:
		return marshalNumber(val)
	case Bool:
		return marshalEnv(wireEnvelope{Type: "bool", Bool: bool(val)})
	case Empty:
		return marshalEnv(wireEnvelope{Type: "empty"})
	case Projector:
		inner, err := Marshal(ctx, val.Inner, ch)
		if err != nil {
			return nil, err
		}
		return marshalEnv(wireEnvelope{Type: "projector", Inner: inner})
	case OrderedSet:
		vals, err := marshalSlice(ctx, val.Values, ch)
		if err != nil {
			return nil, err
		}
		return marshalEnv(wireEnvelope{Type: "orderedSet", Values: vals})
	case Range:
		lo, err := Marshal(ctx, val.Lo, ch)
		if err != nil {
			return nil, err
		}
		hi, err := Marshal(ctx, val.Hi, ch)
		if err != nil {
			return nil, err
		}
		return marshalEnv(wireEnvelope{Type: "range", Lo: lo, Hi: hi, LoOpen: val.LoOpen, HiOpen: val.HiOpen})
	case Negation:
		vals, err := marshalSlice(ctx, val.Values, ch)
		if err != nil {
			return nil, err
		}
		return marshalEnv(wireEnvelope{Type: "negation", Values: vals})
	case Substring:
		return marshalEnv(wireEnvelope{Type: "substring", Pattern: val.Pattern})
	case CompareFunc:
		subs, err := marshalSlice(ctx, val.SubQueries, ch)
		if err != nil {
			return nil, err
		}
		return marshalEnv(wireEnvelope{Type: "compareFunc", SubQueries: subs, Ascending: val.Ascending})
	case AttributeValue:
		fields := make(map[string]json.RawMessage, len(val.Fields))
		for k, fv := range val.Fields {
			raw, err := Marshal(ctx, fv, ch)
			if err != nil {
				return nil, err
			}
			fields[k] = raw
		}
		return marshalEnv(wireEnvelope{Type: "attributeValue", Fields: fields})
	case ElementRef:
		if ch != nil {
			if err := ch.DefineTemplate(val.TemplateID); err != nil {
				return nil, fmt.Errorf("xdr: define template: %w", err)
			}
			if err := ch.DefineIndex(val.IndexID); err != nil {
				return nil, fmt.Errorf("xdr: define index: %w", err)
			}
		}
		return marshalEnv(wireEnvelope{Type: "elementRef", TemplateID: val.TemplateID, IndexID: val.IndexID})
	case Delete:
		return marshalEnv(wireEnvelope{Type: "xdrDelete"})
	default:
		return nil, fmt.Errorf("xdr: marshal: unsupported value type %T", v)
	}
}

func marshalNumber(n Number) (json.RawMessage, error) {
	switch n.Kind {
	case NumberPosInf:
		return marshalEnv(wireEnvelope{Type: "number", NumberKind: "Infinity"})
	case NumberNegInf:
		return marshalEnv(wireEnvelope{Type: "number", NumberKind: "-Infinity"})
	case NumberNaN:
		return marshalEnv(wireEnvelope{Type: "number", NumberKind: "NaN"})
	default:
		return marshalEnv(wireEnvelope{Type: "number", NumberKind: "finite", Number: n.Value})
	}
}

func marshalSlice(ctx context.Context, values []Value, ch *identchan.Channel) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		raw, err := Marshal(ctx, v, ch)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

func marshalEnv(env wireEnvelope) (json.RawMessage, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("xdr: marshal envelope: %w", err)
	}
	return raw, nil
}

// Unmarshal parses raw into its Value, dispatching on the `type` tag. Only
// elementRef consults ch, translating the peer's id into a local one
// (spec.md §4.4); translation fails if the id was never defined.
func Unmarshal(ctx context.Context, raw json.RawMessage, ch *identchan.Channel) (Value, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("xdr: unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "string":
		return String(env.String), nil
	case "number":
		return unmarshalNumber(env)
	case "bool":
		return Bool(env.Bool), nil
	case "empty":
		return Empty{}, nil
	case "projector":
		inner, err := Unmarshal(ctx, env.Inner, ch)
		if err != nil {
			return nil, err
		}
		return Projector{Inner: inner}, nil
	case "orderedSet":
		vals, err := unmarshalSlice(ctx, env.Values, ch)
		if err != nil {
			return nil, err
		}
		return OrderedSet{Values: vals}, nil
	case "range":
		lo, err := Unmarshal(ctx, env.Lo, ch)
		if err != nil {
			return nil, err
		}
		hi, err := Unmarshal(ctx, env.Hi, ch)
		if err != nil {
			return nil, err
		}
		return Range{Lo: lo, Hi: hi, LoOpen: env.LoOpen, HiOpen: env.HiOpen}, nil
	case "negation":
		vals, err := unmarshalSlice(ctx, env.Values, ch)
		if err != nil {
			return nil, err
		}
		return Negation{Values: vals}, nil
	case "substring":
		return Substring{Pattern: env.Pattern}, nil
	case "compareFunc":
		subs, err := unmarshalSlice(ctx, env.SubQueries, ch)
		if err != nil {
			return nil, err
		}
		return CompareFunc{SubQueries: subs, Ascending: env.Ascending}, nil
	case "attributeValue":
		fields := make(map[string]Value, len(env.Fields))
		for k, raw := range env.Fields {
			v, err := Unmarshal(ctx, raw, ch)
			if err != nil {
				return nil, err
			}
			fields[k] = v
		}
		return AttributeValue{Fields: fields}, nil
	case "elementRef":
		if ch == nil {
			return nil, fmt.Errorf("xdr: elementRef requires a channel")
		}
		templateID, err := ch.TranslateTemplate(env.TemplateID)
		if err != nil {
			return nil, err
		}
		indexID, err := ch.TranslateIndex(env.IndexID)
		if err != nil {
			return nil, err
		}
		return ElementRef{TemplateID: templateID, IndexID: indexID}, nil
	case "xdrDelete":
		return Delete{}, nil
	default:
		return nil, fmt.Errorf("xdr: unmarshal: unrecognized type tag %q", env.Type)
	}
}

func unmarshalNumber(env wireEnvelope) (Value, error) {
	switch env.NumberKind {
	case "Infinity":
		return Number{Kind: NumberPosInf}, nil
	case "-Infinity":
		return Number{Kind: NumberNegInf}, nil
	case "NaN":
		return Number{Kind: NumberNaN}, nil
	default:
		return Number{Kind: NumberFinite, Value: env.Number}, nil
	}
}

func unmarshalSlice(ctx context.Context, raws []json.RawMessage, ch *identchan.Channel) ([]Value, error) {
	out := make([]Value, len(raws))
	for i, raw := range raws {
		v, err := Unmarshal(ctx, raw, ch)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
