package ws

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// State tracks the lifecycle of a connection.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrConnClosed is returned when queueing on a closed or closing
// connection.
var ErrConnClosed = errors.New("ws: connection closed")

// defaultCloseGrace bounds how long a graceful Close waits for the
// peer's Close reply before tearing the connection down anyway.
const defaultCloseGrace = 5 * time.Second

// Handler receives connection events. OnMessage is called from the
// connection's reader goroutine with the payload of each complete
// Binary or Text message. OnClose is called exactly once, whatever
// the reason the connection went away.
type Handler interface {
	OnOpen(c *Conn)
	OnMessage(c *Conn, payload []byte)
	OnClose(c *Conn)
}

// Conn is one accepted WebSocket connection. All sends go through a
// FIFO byte queue drained by a dedicated writer goroutine, so queueing
// never blocks on the network; backpressure shows up as BufferBytes
// growing instead.
type Conn struct {
	id      string
	nc      net.Conn
	br      *bufio.Reader
	handler Handler
	logger  *slog.Logger

	maxMessage int64
	closeGrace time.Duration

	state atomic.Int32

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	buffered int64

	// wmu serializes writes to nc so a directly-written control frame
	// can never land inside a frame the writer loop is emitting.
	wmu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(nc net.Conn, br *bufio.Reader, handler Handler, maxMessage int64, logger *slog.Logger) *Conn {
	c := &Conn{
		id:         ulid.Make().String(),
		nc:         nc,
		br:         br,
		handler:    handler,
		maxMessage: maxMessage,
		closeGrace: defaultCloseGrace,
		done:       make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	c.logger = logger.With(slog.String("conn_id", c.id))
	c.state.Store(int32(StateConnecting))
	return c
}

// NewConn wraps an already-upgraded network connection. Callers that
// bypass the HTTP upgrade path (tests, custom listeners) pair it with
// Serve.
func NewConn(nc net.Conn, br *bufio.Reader, handler Handler, maxMessage int64, logger *slog.Logger) *Conn {
	return newConn(nc, br, handler, maxMessage, logger)
}

// Serve runs the reader and writer loops until the connection closes.
func (c *Conn) Serve() { c.serve() }

// ID returns the connection's unique identifier. IDs are ULIDs, so
// they sort by accept time.
func (c *Conn) ID() string { return c.id }

// State returns the connection's current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// NetConn exposes the underlying connection for socket-level
// introspection such as TCP_INFO sampling.
func (c *Conn) NetConn() net.Conn { return c.nc }

// Done is closed when the connection is fully closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// BufferBytes returns the number of queued bytes not yet handed to the
// kernel.
func (c *Conn) BufferBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

// ClearBuffer drops all queued outbound data. Frames already being
// written stay intact, so the stream remains valid framing-wise even
// though queued messages are lost; callers use this only right before
// closing the connection.
func (c *Conn) ClearBuffer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = nil
	c.buffered = 0
}

// QueueBinary appends one Binary message to the outbound queue.
func (c *Conn) QueueBinary(payload []byte) error {
	f := Frame{FIN: true, Opcode: OpBinary, Payload: payload}
	return c.queueRaw(f.Serialize())
}

// QueueText appends one Text message to the outbound queue.
func (c *Conn) QueueText(payload []byte) error {
	f := Frame{FIN: true, Opcode: OpText, Payload: payload}
	return c.queueRaw(f.Serialize())
}

func (c *Conn) queueRaw(wire []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateConnected {
		return ErrConnClosed
	}
	c.queue = append(c.queue, wire)
	c.buffered += int64(len(wire))
	c.cond.Signal()
	return nil
}

// queueControl bypasses the state check so Close and Pong frames can be
// sent while the connection is winding down.
func (c *Conn) queueControl(f Frame) {
	wire := f.Serialize()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateClosed {
		return
	}
	c.queue = append(c.queue, wire)
	c.buffered += int64(len(wire))
	c.cond.Signal()
}

// sendCloseNow writes a Close frame directly, ahead of anything still
// queued, for paths that tear the connection down right after.
func (c *Conn) sendCloseNow(payload []byte) {
	wire := (&Frame{FIN: true, Opcode: OpClose, Payload: payload}).Serialize()
	c.wmu.Lock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = c.nc.Write(wire)
	c.wmu.Unlock()
}

// Close starts a graceful shutdown: a Close frame is queued behind any
// pending data and the connection stops accepting new messages. The
// connection is torn down once the peer replies, errors out, or the
// grace period expires.
func (c *Conn) Close(status uint16) {
	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateClosing)) {
		return
	}
	c.queueControl(Frame{FIN: true, Opcode: OpClose, Payload: closePayload(status)})
	time.AfterFunc(c.closeGrace, func() {
		c.forceClose(errors.New("ws: close handshake timed out"))
	})
}

// forceClose tears the connection down immediately. The close handler
// fires exactly once regardless of how many paths race here.
func (c *Conn) forceClose(err error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.mu.Lock()
		c.queue = nil
		c.buffered = 0
		c.mu.Unlock()
		c.cond.Broadcast()
		_ = c.nc.Close()
		close(c.done)

		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			c.logger.Debug("connection closed", slog.String("error", err.Error()))
		}
		if c.handler != nil {
			c.handler.OnClose(c)
		}
	})
}

// serve runs the reader and writer loops. It returns when the
// connection is closed.
func (c *Conn) serve() {
	c.state.Store(int32(StateConnected))
	if c.handler != nil {
		c.handler.OnOpen(c)
	}

	go c.writeLoop()
	c.readLoop()
}

func (c *Conn) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && c.State() != StateClosed {
			c.cond.Wait()
		}
		if c.State() == StateClosed {
			c.mu.Unlock()
			return
		}
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, wire := range batch {
			c.wmu.Lock()
			_, err := c.nc.Write(wire)
			c.wmu.Unlock()
			if err != nil {
				c.forceClose(fmt.Errorf("write: %w", err))
				return
			}
			c.mu.Lock()
			c.buffered -= int64(len(wire))
			c.mu.Unlock()
		}
	}
}

func (c *Conn) readLoop() {
	var assembled []byte

	for {
		f, err := ParseFrame(c.br, c.maxMessage)
		if err != nil {
			if errors.Is(err, ErrProtocol) || errors.Is(err, ErrFragmentedControl) {
				c.sendCloseNow(closePayload(StatusProtocolError))
			} else if errors.Is(err, ErrPayloadTooLarge) {
				c.sendCloseNow(closePayload(StatusMessageTooLarge))
			}
			c.forceClose(err)
			return
		}

		switch f.Opcode {
		case OpPing:
			c.queueControl(Frame{FIN: true, Opcode: OpPong, Payload: f.Payload})

		case OpPong:
			// No bookkeeping; the server does not send Pings.

		case OpClose:
			if c.state.CompareAndSwap(int32(StateConnected), int32(StateClosing)) {
				c.sendCloseNow(f.Payload)
			}
			c.forceClose(nil)
			return

		case OpText, OpBinary:
			if assembled != nil {
				c.forceClose(fmt.Errorf("%w: data frame inside fragmented message", ErrProtocol))
				return
			}
			if f.FIN {
				c.deliver(f.Payload)
				continue
			}
			assembled = append([]byte(nil), f.Payload...)

		case OpContinuation:
			if assembled == nil {
				c.forceClose(fmt.Errorf("%w: continuation without start", ErrProtocol))
				return
			}
			if c.maxMessage > 0 && int64(len(assembled)+len(f.Payload)) > c.maxMessage {
				c.sendCloseNow(closePayload(StatusMessageTooLarge))
				c.forceClose(ErrPayloadTooLarge)
				return
			}
			assembled = append(assembled, f.Payload...)
			if f.FIN {
				c.deliver(assembled)
				assembled = nil
			}
		}
	}
}

func (c *Conn) deliver(payload []byte) {
	if c.State() != StateConnected {
		return
	}
	if c.handler != nil {
		c.handler.OnMessage(c, payload)
	}
}
