package resources

import (
	"context"
	"testing"

	"github.com/syncmesh/resourced/internal/bus"
)

// TestCoreRelayMethodsAreNoOpWithoutRelay exercises attachRelay, publishRemote,
// checkLeader, and Close on a core with no Relay attached, the default for
// every resource a Manager constructs before AttachBus is ever called (and
// the only path MetadataResource/ExternalResource ever take). None of these
// should panic, block, or require a live bus.
func TestCoreRelayMethodsAreNoOpWithoutRelay(t *testing.T) {
	ctx := context.Background()
	c := newCore(1, KindAppState, "test/spec", false, true)
	defer c.Close()

	c.attachRelay(ctx, nil, func(ctx context.Context, msg bus.Message) {
		t.Fatal("onRemote should never be called without a relay")
	})
	c.publishRemote(Update{ResourceID: c.id, Revision: 1})
	c.checkLeader(ctx)
}

// TestCoreRelayMethodsAreNoOpWithPartialRelay exercises publishRemote and
// checkLeader (and Close, deferred) with a non-nil Relay whose Bus and
// Leader are both nil, the shape Manager.AttachBus would never actually
// produce but that both methods guard against defensively.
func TestCoreRelayMethodsAreNoOpWithPartialRelay(t *testing.T) {
	ctx := context.Background()
	c := newCore(2, KindTable, "test/spec2", false, true)
	defer c.Close()

	relay := &Relay{}
	c.relay = relay
	c.publishRemote(Update{ResourceID: c.id, Revision: 1})
	c.checkLeader(ctx)
}
