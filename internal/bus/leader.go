package bus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Leader hands out an advisory, per-resource-spec lease so that, among every
// process fanning a given resource spec out over the bus, at most one
// believes itself responsible for duties that must not run twice per spec
// (SPEC_FULL.md §3). It is advisory only: losing the lease does not stop a
// process from continuing to serve subscribers it already has, it only
// changes which process would win a future tie.
type Leader struct {
	client  *redis.Client
	ownerID string
	ttl     time.Duration
}

// NewLeader builds a Leader that identifies this process's claims as
// ownerID (typically a hostname:pid or generated instance id).
func NewLeader(client *redis.Client, ownerID string, ttl time.Duration) *Leader {
	return &Leader{client: client, ownerID: ownerID, ttl: ttl}
}

func leaderKey(spec string) string {
	return "resourced:leader:" + spec
}

// renewScript extends the key's TTL only if it still holds ownerID, atomically:
// a plain Get-then-Expire would let the key expire and be claimed by another
// owner in between, silently re-extending that new owner's lease instead.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only if it still holds ownerID, atomically:
// a plain Get-then-Del would let a late release from a lease this process
// already lost delete whoever holds it now.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryAcquire claims the lease for spec if unheld, or re-affirms it if this
// process already holds it. Returns whether this process is the leader.
func (l *Leader) TryAcquire(ctx context.Context, spec string) (bool, error) {
	key := leaderKey(spec)
	ok, err := l.client.SetNX(ctx, key, l.ownerID, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return l.IsLeader(ctx, spec)
}

// Renew extends the lease's TTL if this process still holds it, returning
// false (without error) if another process has since claimed it. The check
// and the extension run as one atomic script so a lease that expires and is
// re-claimed between them can't have its new owner's TTL silently reset.
func (l *Leader) Renew(ctx context.Context, spec string) (bool, error) {
	key := leaderKey(spec)
	n, err := renewScript.Run(ctx, l.client, []string{key}, l.ownerID, int64(l.ttl/time.Second)).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release gives up the lease for spec, but only if this process still holds
// it — a late release from a process that already lost the lease must not
// evict whoever holds it now. The check and the delete run as one atomic
// script for the same reason Renew's does.
func (l *Leader) Release(ctx context.Context, spec string) error {
	key := leaderKey(spec)
	_, err := releaseScript.Run(ctx, l.client, []string{key}, l.ownerID).Result()
	return err
}

// IsLeader reports whether this process currently holds the lease for spec.
func (l *Leader) IsLeader(ctx context.Context, spec string) (bool, error) {
	val, err := l.client.Get(ctx, leaderKey(spec)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == l.ownerID, nil
}
