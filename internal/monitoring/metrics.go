package monitoring

import "sync/atomic"

// Metrics holds the counters the server shell reports alongside health,
// mirroring the engine's inline metrics struct in the teacher (requests
// processed, errors, active connections) generalized to this domain.
type Metrics struct {
	MessagesProcessed int64
	Errors            int64
	ActiveConnections int64
	ResourcesActive   int64
	WritesCommitted   int64
}

// NewMetrics returns a zeroed Metrics.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) IncMessagesProcessed() { atomic.AddInt64(&m.MessagesProcessed, 1) }
func (m *Metrics) IncErrors()            { atomic.AddInt64(&m.Errors, 1) }
func (m *Metrics) IncActiveConnections() { atomic.AddInt64(&m.ActiveConnections, 1) }
func (m *Metrics) DecActiveConnections() { atomic.AddInt64(&m.ActiveConnections, -1) }
func (m *Metrics) IncResourcesActive()   { atomic.AddInt64(&m.ResourcesActive, 1) }
func (m *Metrics) DecResourcesActive()   { atomic.AddInt64(&m.ResourcesActive, -1) }
func (m *Metrics) IncWritesCommitted()   { atomic.AddInt64(&m.WritesCommitted, 1) }

// Snapshot returns a point-in-time copy of every counter.
func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		MessagesProcessed: atomic.LoadInt64(&m.MessagesProcessed),
		Errors:            atomic.LoadInt64(&m.Errors),
		ActiveConnections: atomic.LoadInt64(&m.ActiveConnections),
		ResourcesActive:   atomic.LoadInt64(&m.ResourcesActive),
		WritesCommitted:   atomic.LoadInt64(&m.WritesCommitted),
	}
}
