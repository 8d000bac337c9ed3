package protocol

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ReplyHandler is invoked when a reply to a previously sent message
// arrives, or with ok=false on timeout/shutdown.
type ReplyHandler func(ok bool, reply json.RawMessage)

type pendingEntry struct {
	handler ReplyHandler
	timer   *time.Timer
}

// Dispatcher assigns strictly increasing outbound sequence numbers and
// correlates replies to requests (spec.md §4.2). One Dispatcher is owned
// per connection/session.
type Dispatcher struct {
	sequence int64 // atomic

	mu      sync.Mutex
	pending map[int64]pendingEntry
	closed  bool
}

// NewDispatcher returns a Dispatcher with its sequence counter at zero.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{pending: make(map[int64]pendingEntry)}
}

// NextSequence returns the next strictly increasing positive sequence number.
func (d *Dispatcher) NextSequence() int64 {
	return atomic.AddInt64(&d.sequence, 1)
}

// AwaitReply registers handler to run when a reply with inReplyTo == seq
// arrives, or after timeout elapses (handler invoked with ok=false). A
// timeout of zero means no deadline is armed.
func (d *Dispatcher) AwaitReply(seq int64, timeout time.Duration, handler ReplyHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		handler(false, nil)
		return
	}

	entry := pendingEntry{handler: handler}
	if timeout > 0 {
		entry.timer = time.AfterFunc(timeout, func() {
			d.resolve(seq, false, nil)
		})
	}
	d.pending[seq] = entry
}

// Resolve delivers a reply for sequence seq, if one is pending.
func (d *Dispatcher) Resolve(seq int64, reply json.RawMessage) {
	d.resolve(seq, true, reply)
}

func (d *Dispatcher) resolve(seq int64, ok bool, reply json.RawMessage) {
	d.mu.Lock()
	entry, found := d.pending[seq]
	if found {
		delete(d.pending, seq)
	}
	d.mu.Unlock()
	if !found {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.handler(ok, reply)
}

// Shutdown invokes every pending reply handler with a failure status and
// clears the pending map, per spec.md §4.2 ("On shutdown, every pending
// reply handler is invoked with a failure status").
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.closed = true
	pending := d.pending
	d.pending = make(map[int64]pendingEntry)
	d.mu.Unlock()

	for _, entry := range pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.handler(false, nil)
	}
}

// DecodeType extracts just the `type` discriminator from a raw message,
// without committing to a concrete struct.
func DecodeType(raw json.RawMessage) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("protocol: message missing type field")
	}
	return env.Type, nil
}
