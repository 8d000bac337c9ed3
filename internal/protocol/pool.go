package protocol

import (
	"sync"
	"time"
)

// Sender writes one already-sequenced outbound message. Supplied by
// internal/session, which owns the underlying internal/wire.Conn.
type Sender func(seq int64, payload []byte) error

// Pool buffers outgoing messages and flushes them when either the pool
// size or the pool-delay timer fires (spec.md §4.2). A flush already in
// flight is a no-op.
type Pool struct {
	mu        sync.Mutex
	buffer    []pooledMessage
	size      int
	delay     time.Duration
	send      Sender
	timer     *time.Timer
	flushing  bool
}

type pooledMessage struct {
	seq     int64
	payload []byte
}

// NewPool constructs a Pool that flushes at size entries or after delay,
// whichever comes first.
func NewPool(size int, delay time.Duration, send Sender) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{size: size, delay: delay, send: send}
}

// Enqueue adds a sequenced message to the pool, triggering a flush if the
// pool is now full, and arming the delay timer otherwise.
func (p *Pool) Enqueue(seq int64, payload []byte) {
	p.mu.Lock()
	p.buffer = append(p.buffer, pooledMessage{seq: seq, payload: payload})
	full := len(p.buffer) >= p.size
	if !full && p.timer == nil && p.delay > 0 {
		p.timer = time.AfterFunc(p.delay, p.Flush)
	}
	p.mu.Unlock()

	if full {
		p.Flush()
	}
}

// Flush drains the buffer, sending every message in order. A flush already
// in progress is a no-op (spec.md §4.2).
func (p *Pool) Flush() {
	p.mu.Lock()
	if p.flushing {
		p.mu.Unlock()
		return
	}
	p.flushing = true
	batch := p.buffer
	p.buffer = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	for _, m := range batch {
		_ = p.send(m.seq, m.payload)
	}

	p.mu.Lock()
	p.flushing = false
	p.mu.Unlock()
}
