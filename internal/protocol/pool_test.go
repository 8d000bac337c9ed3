package protocol

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolFlushesOnSize(t *testing.T) {
	var mu sync.Mutex
	var sent [][]byte

	p := NewPool(2, time.Hour, func(seq int64, payload []byte) error {
		mu.Lock()
		sent = append(sent, payload)
		mu.Unlock()
		return nil
	})

	p.Enqueue(1, []byte("a"))
	mu.Lock()
	require.Len(t, sent, 0)
	mu.Unlock()

	p.Enqueue(2, []byte("b"))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 2)
}

func TestPoolFlushesOnTimer(t *testing.T) {
	var mu sync.Mutex
	var sent [][]byte

	p := NewPool(100, 10*time.Millisecond, func(seq int64, payload []byte) error {
		mu.Lock()
		sent = append(sent, payload)
		mu.Unlock()
		return nil
	})

	p.Enqueue(1, []byte("a"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPoolConcurrentFlushIsNoOp(t *testing.T) {
	var flushes int64
	var mu sync.Mutex

	p := NewPool(1, time.Hour, func(seq int64, payload []byte) error {
		mu.Lock()
		flushes++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	p.Enqueue(1, []byte("a"))
	go p.Flush()
	go p.Flush()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(1), flushes)
}
