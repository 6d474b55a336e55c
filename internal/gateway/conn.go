package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/internal/orchestrator"
)

// Outbound queue depths. Control frames queue deeply and block rather than
// drop; audio is the first casualty of congestion.
const (
	controlQueueDepth = 256
	audioQueueDepth   = 64
)

// ErrConnClosed is returned by emit methods after the writer has shut down.
var ErrConnClosed = errors.New("gateway: connection closed")

// wsConn wraps one WebSocket with a single writer goroutine and implements
// [orchestrator.Emitter]. All exported methods are safe for concurrent use.
type wsConn struct {
	ws *websocket.Conn

	controlQ chan []byte
	audioQ   chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:       ws,
		controlQ: make(chan []byte, controlQueueDepth),
		audioQ:   make(chan []byte, audioQueueDepth),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// writeLoop is the connection's only writer. Control frames take priority
// over audio so transcripts and errors are never starved by PCM volume.
func (c *wsConn) writeLoop(ctx context.Context) {
	defer close(c.done)
	for {
		// Priority pass: drain any pending control frame first.
		select {
		case msg := <-c.controlQ:
			if err := c.ws.Write(ctx, websocket.MessageText, msg); err != nil {
				c.shutdown()
				return
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-c.closed:
			return
		case msg := <-c.controlQ:
			if err := c.ws.Write(ctx, websocket.MessageText, msg); err != nil {
				c.shutdown()
				return
			}
		case pcm := <-c.audioQ:
			if err := c.ws.Write(ctx, websocket.MessageBinary, pcm); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// shutdown stops the writer and unblocks pending senders. Idempotent.
func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// sendControl queues a marshalled control frame. Blocks under backpressure —
// control messages are never dropped.
func (c *wsConn) sendControl(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.controlQ <- data:
		return nil
	case <-c.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmitControl implements [orchestrator.Emitter].
func (c *wsConn) EmitControl(ctx context.Context, ev orchestrator.Event) error {
	return c.sendControl(ctx, marshalMsg(eventToMsg(ev)))
}

// EmitAudio implements [orchestrator.Emitter]: best-effort, never blocking.
func (c *wsConn) EmitAudio(pcm []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.audioQ <- pcm:
		return true
	default:
		return false
	}
}

// DropQueuedAudio implements [orchestrator.Emitter]: barge-in flushes stale
// assistant PCM that hasn't hit the socket yet.
func (c *wsConn) DropQueuedAudio() {
	for {
		select {
		case <-c.audioQ:
		default:
			return
		}
	}
}

// eventToMsg maps an orchestrator event onto its wire schema.
func eventToMsg(ev orchestrator.Event) outMsg {
	switch ev.Type {
	case orchestrator.EventSTTPartial:
		return outMsg{Type: msgSTTPartial, Text: ev.Text}
	case orchestrator.EventSTTFinal:
		return outMsg{Type: msgSTTFinal, Text: ev.Text}
	case orchestrator.EventLLMToken:
		return outMsg{Type: msgLLMToken, Token: ev.Text}
	case orchestrator.EventBargeIn:
		return outMsg{Type: msgBargeIn}
	case orchestrator.EventTurnComplete:
		return outMsg{Type: msgTurnComplete, Metrics: ev.Turn}
	case orchestrator.EventSessionEnded:
		return outMsg{Type: msgSessionEnded, Metrics: ev.Session}
	case orchestrator.EventError:
		return outMsg{Type: msgError, Error: ev.Text, Code: ev.Code}
	default:
		return outMsg{Type: msgError, Error: "unknown event", Code: "INTERNAL"}
	}
}

var _ orchestrator.Emitter = (*wsConn)(nil)
