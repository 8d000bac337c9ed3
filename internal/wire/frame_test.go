package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Version: HeaderVersion, Marker: MarkerFirst, ResourceID: 42, SequenceNr: 7, TotalLength: 123456}
	encoded := EncodeHeader(h)
	assert.Len(t, encoded, HeaderLen)

	payload := []byte("payload-bytes")
	raw := append([]byte(encoded), payload...)

	got, rest, err := DecodeHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.True(t, bytes.Equal(payload, rest))
}

func TestDecodeHeaderVersionMismatch(t *testing.T) {
	h := Header{Version: "02", Marker: MarkerWhole, ResourceID: 1, SequenceNr: 1, TotalLength: 0}
	raw := []byte(EncodeHeader(h))
	_, _, err := DecodeHeader(raw)
	require.Error(t, err)
	var verr *ErrVersionMismatch
	assert.ErrorAs(t, err, &verr)
}

func TestDecodeHeaderMalformed(t *testing.T) {
	_, _, err := DecodeHeader([]byte("too short"))
	require.Error(t, err)
	var merr *ErrMalformedHeader
	assert.ErrorAs(t, err, &merr)
}

func TestSplitSegmentsWhole(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 10)
	segs := SplitSegments(1, 5, payload, 100)
	require.Len(t, segs, 1)
	assert.Equal(t, MarkerWhole, segs[0].Header.Marker)
	assert.Equal(t, int64(10), segs[0].Header.TotalLength)
}

func TestSplitSegmentsFirstMiddleLast(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 25)
	segs := SplitSegments(1, 5, payload, 10)
	require.Len(t, segs, 3)
	assert.Equal(t, MarkerFirst, segs[0].Header.Marker)
	assert.Equal(t, MarkerMiddle, segs[1].Header.Marker)
	assert.Equal(t, MarkerLast, segs[2].Header.Marker)

	var reassembled []byte
	for _, seg := range segs {
		assert.Equal(t, int64(25), seg.Header.TotalLength)
		reassembled = append(reassembled, seg.Payload...)
	}
	assert.True(t, bytes.Equal(payload, reassembled))
}

func TestFlowAckRoundTrip(t *testing.T) {
	a := FlowAck{OriginalSequenceNr: 9, ReceivedSoFar: 4096, TotalLength: 8192}
	encoded := EncodeFlowAck(a)
	got, err := DecodeFlowAck(encoded)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}
