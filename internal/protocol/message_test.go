package protocol

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherSequenceStrictlyIncreasing(t *testing.T) {
	d := NewDispatcher()
	a := d.NextSequence()
	b := d.NextSequence()
	c := d.NextSequence()
	assert.True(t, a < b)
	assert.True(t, b < c)
}

func TestDispatcherResolvesReply(t *testing.T) {
	d := NewDispatcher()
	seq := d.NextSequence()

	var mu sync.Mutex
	var gotOK bool
	var gotReply json.RawMessage
	done := make(chan struct{})

	d.AwaitReply(seq, time.Second, func(ok bool, reply json.RawMessage) {
		mu.Lock()
		gotOK, gotReply = ok, reply
		mu.Unlock()
		close(done)
	})

	d.Resolve(seq, json.RawMessage(`{"status":true}`))
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, gotOK)
	assert.JSONEq(t, `{"status":true}`, string(gotReply))
}

func TestDispatcherTimeout(t *testing.T) {
	d := NewDispatcher()
	seq := d.NextSequence()
	done := make(chan bool, 1)

	d.AwaitReply(seq, 10*time.Millisecond, func(ok bool, _ json.RawMessage) {
		done <- ok
	})

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timeout handler never fired")
	}
}

func TestDispatcherShutdownFailsAllPending(t *testing.T) {
	d := NewDispatcher()
	var results []bool
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		seq := d.NextSequence()
		wg.Add(1)
		d.AwaitReply(seq, 0, func(ok bool, _ json.RawMessage) {
			mu.Lock()
			results = append(results, ok)
			mu.Unlock()
			wg.Done()
		})
	}

	d.Shutdown()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 3)
	for _, ok := range results {
		assert.False(t, ok)
	}
}

func TestDecodeTypeMissing(t *testing.T) {
	_, err := DecodeType(json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestDecodeTypeOK(t *testing.T) {
	typ, err := DecodeType(json.RawMessage(`{"type":"subscribe","resourceId":1}`))
	require.NoError(t, err)
	assert.Equal(t, "subscribe", typ)
}

func TestValidateClientMessage(t *testing.T) {
	require.NoError(t, ValidateClientMessage(TypeSubscribe))
	require.Error(t, ValidateClientMessage(TypeWriteAck))
	require.Error(t, ValidateClientMessage("bogus"))
}
