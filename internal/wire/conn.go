package wire

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/syncmesh/resourced/internal/logger"
)

// Frame is a fully reassembled message delivered to the protocol layer:
// the original (resourceID, sequenceNr) plus the complete payload.
type Frame struct {
	ResourceID uint64
	SequenceNr int64
	Payload    []byte
}

// reassemblyKey identifies one in-flight multi-segment message.
type reassemblyKey struct {
	resourceID uint64
	seq        int64
}

// FlowHook observes a flow-acknowledgement as it is received (sender side)
// or as it is about to be sent (receiver side).
type FlowHook func(a FlowAck)

// ProgressHook observes per-buffer progress on a reassembling message.
type ProgressHook func(resourceID uint64, seq int64, receivedSoFar, total int64)

// Conn wraps one *websocket.Conn, implementing the segment-level framing,
// reassembly, and flow-acknowledgement discipline of spec.md §4.1. Gorilla's
// own per-message framing replaces raw TCP segmentation; resourced's segment
// header travels inside each binary WebSocket message.
type Conn struct {
	ws             *websocket.Conn
	logger         *logger.Logger
	maxSegmentSize int

	writeMu sync.Mutex

	mu       sync.Mutex
	buffers  map[reassemblyKey][]byte
	closed   bool
	frames   chan Frame
	closeErr error

	onFlow     FlowHook
	onProgress ProgressHook
}

// NewConn constructs a Conn around an established websocket connection.
func NewConn(ws *websocket.Conn, log *logger.Logger, maxSegmentSize int) *Conn {
	if maxSegmentSize <= 0 {
		maxSegmentSize = DefaultMaxSegmentSize
	}
	c := &Conn{
		ws:             ws,
		logger:         log,
		maxSegmentSize: maxSegmentSize,
		buffers:        make(map[reassemblyKey][]byte),
		frames:         make(chan Frame, 64),
	}
	go c.readLoop()
	return c
}

// SetFlowHook installs a callback invoked whenever a flow-acknowledgement
// segment is observed (in either direction).
func (c *Conn) SetFlowHook(h FlowHook) { c.onFlow = h }

// SetProgressHook installs a callback invoked on every segment received
// for a reassembling message.
func (c *Conn) SetProgressHook(h ProgressHook) { c.onProgress = h }

// Frames returns the channel of fully reassembled application messages.
func (c *Conn) Frames() <-chan Frame { return c.frames }

// Send splits payload into segments per the configured budget and writes
// them contiguously and in order, as spec.md §4.1 requires. It fails
// silently (returns nil) if the connection is already closed, matching the
// spec's "enqueues; fails silently if the connection is not open".
func (c *Conn) Send(resourceID uint64, seq int64, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}

	segs := SplitSegments(resourceID, seq, payload, c.maxSegmentSize)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, seg := range segs {
		if err := c.ws.WriteMessage(websocket.BinaryMessage, seg.Encode()); err != nil {
			return fmt.Errorf("wire: write segment: %w", err)
		}
	}
	return nil
}

// sendFlowAck emits a flow-acknowledgement segment (sequenceNr 0) for a
// just-received data segment, per spec.md §4.1.
func (c *Conn) sendFlowAck(a FlowAck) {
	if c.onFlow != nil {
		c.onFlow(a)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	hdr := Header{Version: HeaderVersion, Marker: MarkerWhole, ResourceID: 0, SequenceNr: 0, TotalLength: int64(len(EncodeFlowAck(a)))}
	msg := append([]byte(EncodeHeader(hdr)), EncodeFlowAck(a)...)
	if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		c.logger.Warn("wire: failed to send flow ack: %v", err)
	}
}

func (c *Conn) readLoop() {
	defer c.closeInternal(nil)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.closeInternal(err)
			return
		}
		c.handleSegment(raw)
	}
}

func (c *Conn) handleSegment(raw []byte) {
	hdr, payload, err := DecodeHeader(raw)
	if err != nil {
		if _, ok := err.(*ErrVersionMismatch); ok {
			c.logger.Warn("wire: closing connection: %v", err)
			c.terminate()
			return
		}
		c.logger.Warn("wire: malformed segment, discarding: %v", err)
		return
	}

	// sequenceNr 0 denotes a flow acknowledgement, not a data segment.
	if hdr.SequenceNr == 0 && hdr.Marker == MarkerWhole {
		if ack, err := DecodeFlowAck(payload); err == nil {
			if c.onFlow != nil {
				c.onFlow(ack)
			}
			return
		}
	}

	key := reassemblyKey{resourceID: hdr.ResourceID, seq: hdr.SequenceNr}

	switch hdr.Marker {
	case MarkerWhole:
		c.deliver(hdr.ResourceID, hdr.SequenceNr, payload)
		c.ackProgress(hdr, int64(len(payload)))
	case MarkerFirst:
		c.mu.Lock()
		c.buffers[key] = append([]byte{}, payload...)
		c.mu.Unlock()
		c.ackProgress(hdr, int64(len(payload)))
	case MarkerMiddle:
		c.mu.Lock()
		buf, ok := c.buffers[key]
		if !ok {
			c.mu.Unlock()
			c.logger.Warn("wire: out-of-order middle segment for resource %d seq %d, discarding", hdr.ResourceID, hdr.SequenceNr)
			return
		}
		buf = append(buf, payload...)
		c.buffers[key] = buf
		received := int64(len(buf))
		c.mu.Unlock()
		c.ackProgress(hdr, received)
	case MarkerLast:
		c.mu.Lock()
		buf, ok := c.buffers[key]
		if !ok {
			c.mu.Unlock()
			c.logger.Warn("wire: out-of-order last segment for resource %d seq %d, discarding", hdr.ResourceID, hdr.SequenceNr)
			return
		}
		buf = append(buf, payload...)
		delete(c.buffers, key)
		c.mu.Unlock()
		c.deliver(hdr.ResourceID, hdr.SequenceNr, buf)
		c.ackProgress(hdr, int64(len(buf)))
	}
}

func (c *Conn) ackProgress(hdr Header, receivedSoFar int64) {
	if c.onProgress != nil {
		c.onProgress(hdr.ResourceID, hdr.SequenceNr, receivedSoFar, hdr.TotalLength)
	}
	if hdr.SequenceNr > 0 {
		c.sendFlowAck(FlowAck{OriginalSequenceNr: hdr.SequenceNr, ReceivedSoFar: receivedSoFar, TotalLength: hdr.TotalLength})
	}
}

func (c *Conn) deliver(resourceID uint64, seq int64, payload []byte) {
	select {
	case c.frames <- Frame{ResourceID: resourceID, SequenceNr: seq, Payload: payload}:
	default:
		c.logger.Warn("wire: frame channel full, dropping frame for resource %d seq %d", resourceID, seq)
	}
}

// terminate closes the underlying connection after a protocol violation
// (e.g. header version mismatch), matching spec.md §4.1's "send a
// termination notice and close".
func (c *Conn) terminate() {
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseProtocolError, "header version mismatch"))
	c.closeInternal(fmt.Errorf("wire: protocol violation"))
}

func (c *Conn) closeInternal(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	close(c.frames)
	c.mu.Unlock()
	_ = c.ws.Close()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	c.closeInternal(nil)
	return nil
}

// Err returns the error that caused the connection to close, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}
