// Package resources implements the Resource Manager and the four concrete
// resource kinds (spec.md §4.6, §4.7): AppState, Table, Metadata, External.
// Each resource binds to a single owner goroutine that serialises reads,
// writes, and subscriber notifications — spec.md §9's own design note
// ("bind each resource to a single owner task; route incoming work through
// a typed request channel") — mirroring the teacher's goroutine-per-
// connection loops (virtuallink.go's sendLoop/recvLoop/healthLoop).
package resources

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/syncmesh/resourced/internal/bus"
)

// Kind distinguishes the four resource families (spec.md §4.6).
type Kind int

const (
	KindAppState Kind = iota
	KindTable
	KindMetadata
	KindExternal
)

// ErrClosed is returned when an operation is submitted to a resource whose
// owner goroutine has shut down.
var ErrClosed = errors.New("resources: resource is closed")

// Element is one entry of a resource's element set, as returned by
// getAllElement (spec.md §4.7).
type Element struct {
	Ident    string
	Value    json.RawMessage
	Deleted  bool
	Revision int64
}

// WriteElement is one entry of a write's elementMap: `{ value, identityMeta }`.
type WriteElement struct {
	Value        json.RawMessage
	IdentityMeta map[string]any
	Deleted      bool
}

// AckInfo is the free-form `info` field of a writeAck, used by
// MetadataResource to return allocated table ids (spec.md §4.7.3).
type AckInfo map[string]any

// SubscriberID identifies one subscription to a resource.
type SubscriberID uint64

// Subscriber receives fan-out notifications from a resource.
type Subscriber interface {
	Notify(update Update)
}

// Update is the resourceUpdate payload a resource hands to its subscribers.
type Update struct {
	ResourceID uint64
	Elements   []Element
	Revision   int64
	Error      bool
	Reason     string
}

// core implements the shared owner-goroutine/ready-queue/subscriber-
// refcounting discipline every concrete resource embeds.
type core struct {
	id   uint64
	kind Kind
	spec string

	alsoNotifyWriter bool

	reqCh   chan func(ctx context.Context)
	readyCh chan struct{}
	closeCh chan struct{}
	closed  int32

	// subscriber state is only ever touched from the owner goroutine.
	subscribers map[SubscriberID]Subscriber
	refCount    map[SubscriberID]int
	nextSubID   uint64

	onAcquire func(ctx context.Context) error
	onPurge   func(ctx context.Context)

	// relay is the optional cross-instance bus wired in by attachRelay
	// (SPEC_FULL.md §3); nil for single-process deployments and for
	// resource kinds that never call attachRelay (Metadata, External).
	relay    *Relay
	relaySub *bus.Subscription
}

// newCore constructs a core. initiallyReady is false for resources that
// load persistent state asynchronously at construction (AppState, Table,
// Metadata: every request queues until that background load calls
// setReady) and true for resources with no such phase (External: nothing
// needs loading before the first subscriber triggers its own on-demand
// query via onAcquire, which already runs serialized on this same owner
// goroutine).
func newCore(id uint64, kind Kind, spec string, alsoNotifyWriter, initiallyReady bool) *core {
	c := &core{
		id:               id,
		kind:             kind,
		spec:             spec,
		alsoNotifyWriter: alsoNotifyWriter,
		reqCh:            make(chan func(ctx context.Context), 64),
		readyCh:          make(chan struct{}),
		closeCh:          make(chan struct{}),
		subscribers:      make(map[SubscriberID]Subscriber),
		refCount:         make(map[SubscriberID]int),
	}
	go c.run(initiallyReady)
	return c
}

func (c *core) run(initiallyReady bool) {
	ready := initiallyReady
	var pending []func(ctx context.Context)
	ctx := context.Background()
	for {
		select {
		case <-c.readyCh:
			ready = true
			drain := pending
			pending = nil
			for _, fn := range drain {
				fn(ctx)
			}
		case req := <-c.reqCh:
			if ready {
				req(ctx)
			} else {
				pending = append(pending, req)
			}
		case <-c.closeCh:
			return
		}
	}
}

// setReady marks the resource ready, draining the pending-request queue in
// the order requests arrived (spec.md §4.7 executeWhenReady).
func (c *core) setReady() {
	select {
	case c.readyCh <- struct{}{}:
	case <-c.closeCh:
	}
}

// do submits fn to the owner goroutine and waits for it to run (or be
// queued, if the resource is not yet ready, and eventually drained).
func (c *core) do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	wrapped := func(ctx context.Context) { done <- fn(ctx) }
	select {
	case c.reqCh <- wrapped:
	case <-c.closeCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteWhenReady queues action on the owner goroutine; it runs
// immediately if the resource is ready, otherwise once setReady fires, in
// FIFO order with every other pending request (spec.md §4.7).
func (c *core) ExecuteWhenReady(ctx context.Context, action func(ctx context.Context)) {
	_ = c.do(ctx, func(ctx context.Context) error {
		action(ctx)
		return nil
	})
}

func (c *core) ID() uint64    { return c.id }
func (c *core) Kind() Kind    { return c.kind }
func (c *core) Spec() string  { return c.spec }
func (c *core) AlsoNotifyWriter() bool { return c.alsoNotifyWriter }

// Subscribe registers sub and returns its SubscriberID, firing onAcquire
// on the 0→1 transition (spec.md §4.7).
func (c *core) Subscribe(ctx context.Context, sub Subscriber) (SubscriberID, error) {
	var id SubscriberID
	err := c.do(ctx, func(ctx context.Context) error {
		c.nextSubID++
		id = SubscriberID(c.nextSubID)
		c.subscribers[id] = sub
		c.refCount[id] = 1
		if len(c.subscribers) == 1 && c.onAcquire != nil {
			return c.onAcquire(ctx)
		}
		return nil
	})
	return id, err
}

// Unsubscribe removes id's entry outright, regardless of its ref count.
func (c *core) Unsubscribe(ctx context.Context, id SubscriberID) error {
	return c.do(ctx, func(ctx context.Context) error {
		delete(c.subscribers, id)
		delete(c.refCount, id)
		if len(c.subscribers) == 0 && c.onPurge != nil {
			c.onPurge(ctx)
		}
		return nil
	})
}

// ReleaseResource decrements id's ref count, removing it at zero and
// firing onPurge on the 1→0 transition across all subscribers.
func (c *core) ReleaseResource(ctx context.Context, id SubscriberID) error {
	return c.do(ctx, func(ctx context.Context) error {
		if n, ok := c.refCount[id]; ok {
			if n <= 1 {
				delete(c.subscribers, id)
				delete(c.refCount, id)
			} else {
				c.refCount[id] = n - 1
			}
		}
		if len(c.subscribers) == 0 && c.onPurge != nil {
			c.onPurge(ctx)
		}
		return nil
	})
}

// notifyLocked fans update out to every subscriber except originator,
// which is skipped unless alsoNotifyWriter is set. Must run on the owner
// goroutine (called only from within a do()-submitted closure).
func (c *core) notifyLocked(originator SubscriberID, update Update) {
	for id, sub := range c.subscribers {
		if id == originator && !c.alsoNotifyWriter {
			continue
		}
		sub.Notify(update)
	}
}

// attachRelay wires relay's bus into this resource: every message published
// on c.spec by another process (msg.Origin != relay.OriginID) is handed to
// onRemote on the owner goroutine. It is a no-op if relay or relay.Bus is
// nil. Must be called once, at construction, before the resource is
// reachable by callers.
func (c *core) attachRelay(ctx context.Context, relay *Relay, onRemote func(ctx context.Context, msg bus.Message)) {
	if relay == nil || relay.Bus == nil {
		return
	}
	c.relay = relay
	sub := relay.Bus.Subscribe(ctx, c.spec)
	c.relaySub = sub
	go func() {
		for msg := range sub.C() {
			if msg.Origin == relay.OriginID {
				continue // our own publish, already applied locally.
			}
			c.ExecuteWhenReady(ctx, func(ctx context.Context) {
				onRemote(ctx, msg)
			})
		}
	}()
}

// publishRemote relays update to every other process sharing c.relay, best
// effort and off the owner goroutine: a publish failure only leaves
// another process's cache stale until its next write, it never fails the
// local write that produced update.
func (c *core) publishRemote(update Update) {
	if c.relay == nil || c.relay.Bus == nil {
		return
	}
	elements := make([]bus.Element, len(update.Elements))
	for i, e := range update.Elements {
		elements[i] = bus.Element{Ident: e.Ident, Value: e.Value, Deleted: e.Deleted, Revision: e.Revision}
	}
	msg := bus.Message{Origin: c.relay.OriginID, Revision: update.Revision, Error: update.Error, Reason: update.Reason, Elements: elements}
	relay := c.relay
	spec := c.spec
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := relay.Bus.Publish(ctx, spec, msg); err != nil && relay.Log != nil {
			relay.Log.Warn("resources: publish %q to bus: %v", spec, err)
		}
	}()
}

// checkLeader logs, at warn level, when this process does not hold the
// advisory leader token for c.spec; it never blocks or fails the write, the
// token only orders which process wins a future tie (SPEC_FULL.md §3). When
// this process does hold it, the lease's TTL is renewed so a process that
// keeps writing never loses the token purely to its own lease expiring.
func (c *core) checkLeader(ctx context.Context) {
	if c.relay == nil || c.relay.Leader == nil {
		return
	}
	ok, err := c.relay.Leader.TryAcquire(ctx, c.spec)
	if err != nil {
		if c.relay.Log != nil {
			c.relay.Log.Warn("resources: leader check for %q: %v", c.spec, err)
		}
		return
	}
	if !ok {
		if c.relay.Log != nil {
			c.relay.Log.Warn("resources: writing %q without the leader token", c.spec)
		}
		return
	}
	if _, err := c.relay.Leader.Renew(ctx, c.spec); err != nil && c.relay.Log != nil {
		c.relay.Log.Warn("resources: renew leader lease for %q: %v", c.spec, err)
	}
}

func (c *core) Close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		if c.relay != nil && c.relay.Leader != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := c.relay.Leader.Release(ctx, c.spec); err != nil && c.relay.Log != nil {
				c.relay.Log.Warn("resources: release leader lease for %q: %v", c.spec, err)
			}
			cancel()
		}
		if c.relaySub != nil {
			if err := c.relaySub.Close(); err != nil && c.relay != nil && c.relay.Log != nil {
				c.relay.Log.Warn("resources: close bus subscription for %q: %v", c.spec, err)
			}
		}
		close(c.closeCh)
	}
}

// revisionAllocator hands out strictly increasing revisions per resource
// (spec.md §4.9: "assign revisions to writes strictly monotonically per
// resource, independent of who wrote them"). Mutated only by the owner
// goroutine, so no lock is needed beyond that serialization.
type revisionAllocator struct {
	last int64
}

func (r *revisionAllocator) next() int64 {
	r.last++
	return r.last
}

func (r *revisionAllocator) observe(rev int64) {
	if rev > r.last {
		r.last = rev
	}
}
