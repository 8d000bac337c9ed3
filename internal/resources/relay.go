package resources

import (
	"github.com/syncmesh/resourced/internal/bus"
	"github.com/syncmesh/resourced/internal/logger"
)

// Relay bundles the optional cross-instance bus (SPEC_FULL.md §3) that a
// Manager hands down to every writable resource it constructs: the Pub/Sub
// client used to republish local writes and pick up remote ones, the
// advisory per-spec leader token, this process's own origin id (to ignore
// its own echoed publishes), and a logger for the best-effort failure
// paths below. A nil Relay, or one with a nil Bus, means single-process
// deployment — every method on core that takes a *Relay treats that as a
// no-op.
type Relay struct {
	Bus      *bus.Bus
	Leader   *bus.Leader
	OriginID string
	Log      *logger.Logger
}
