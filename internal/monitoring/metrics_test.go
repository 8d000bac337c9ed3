package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.IncMessagesProcessed()
	m.IncMessagesProcessed()
	m.IncErrors()
	m.IncActiveConnections()
	m.IncActiveConnections()
	m.DecActiveConnections()
	m.IncWritesCommitted()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.MessagesProcessed)
	assert.Equal(t, int64(1), snap.Errors)
	assert.Equal(t, int64(1), snap.ActiveConnections)
	assert.Equal(t, int64(1), snap.WritesCommitted)
}
