// Package auth implements Authorization (spec.md §4.5): rule resolution
// over a per-owner rule store, plus the credential verification paths the
// Login/CreateAccount control messages drive.
package auth

import (
	"context"

	"github.com/syncmesh/resourced/internal/storage"
)

// Wildcard is the accessor/type/name value meaning "any".
const Wildcard = "*"

// Verdict is a resolved allow/deny outcome.
type Verdict int

const (
	Deny Verdict = iota
	Allow
)

// Options configures the resolution steps spec.md §4.5 leaves
// configurable: whether the owner is implicitly allowed, and whether
// table/metadata resources default-allow under public data access.
type Options struct {
	OwnerImplicitAllow bool
	PublicDataAccess   bool
}

// Resolver resolves (owner, type, name, accessor) access decisions against
// a storage.RuleStore, per the six-step algorithm spec.md §4.5 names.
type Resolver struct {
	rules storage.RuleStore
	opts  Options
}

// NewResolver constructs a Resolver over rules with opts.
func NewResolver(rules storage.RuleStore, opts Options) *Resolver {
	return &Resolver{rules: rules, opts: opts}
}

// ResourceKind distinguishes the resource kinds step 5 names (table and
// metadata default-allow under public data access; appState and external
// never do).
type ResourceKind int

const (
	KindAppState ResourceKind = iota
	KindTable
	KindMetadata
	KindExternal
)

// Resolve runs the six-step algorithm for (owner, kind, typ, name, accessor).
func (r *Resolver) Resolve(ctx context.Context, owner string, kind ResourceKind, typ, name, accessor string) (Verdict, error) {
	// Step 1: owner-wide wildcard rule.
	ownerWideAllow := false
	wideRule, err := r.rules.Get(ctx, owner, Wildcard, Wildcard)
	if err != nil {
		return Deny, err
	}
	if allow, ok := lookupAccessor(wideRule, accessor); ok {
		if !allow {
			return Deny, nil
		}
		ownerWideAllow = true
	}

	// Step 2: specific (owner, type, name) rule.
	specific, err := r.rules.Get(ctx, owner, typ, name)
	if err != nil {
		return Deny, err
	}
	if allow, ok := lookupAccessor(specific, accessor); ok {
		return verdictOf(allow), nil
	}

	// Step 3: explicit owner-wide allow wins outright.
	if ownerWideAllow {
		return Allow, nil
	}

	// Step 4: accessor is the owner.
	if r.opts.OwnerImplicitAllow && accessor == owner {
		return Allow, nil
	}

	// Step 5: public data access over table/metadata resources.
	if r.opts.PublicDataAccess && (kind == KindTable || kind == KindMetadata) {
		return Allow, nil
	}

	// Step 6: default deny.
	return Deny, nil
}

func lookupAccessor(m map[string]bool, accessor string) (bool, bool) {
	if v, ok := m[accessor]; ok {
		return v, true
	}
	if v, ok := m[Wildcard]; ok {
		return v, true
	}
	return false, false
}

func verdictOf(allow bool) Verdict {
	if allow {
		return Allow
	}
	return Deny
}

// SetRule installs an explicit verdict for (owner, type, name, accessor).
func SetRule(ctx context.Context, rules storage.RuleStore, owner, typ, name, accessor string, verdict Verdict) error {
	return rules.Set(ctx, owner, typ, name, accessor, verdict == Allow)
}
