// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package stream implements the StreamingConnection: a duplex framed
// channel over one socket with per-session id gating and RESET
// propagation. It turns a bidirectional ordered byte stream (a
// gorilla/websocket connection) into two buffered in-process queues with
// the turn-level cancellation semantics the rest of the pipeline depends
// on.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/voicenote/internal/frame"
	"github.com/rapidaai/voicenote/internal/logging"
)

// ErrConnectionClosed is returned by Send/Recv once the connection has
// torn down (peer hang-up, read/write error, or an explicit Close).
var ErrConnectionClosed = errors.New("stream: connection closed")

// StreamResetError is raised by Send when the caller tries to send a
// frame tagged with an id other than the connection's currently accepted
// session id.
type StreamResetError struct {
	Expected string
	Got      string
}

func (e *StreamResetError) Error() string {
	return fmt.Sprintf("stream: reset in effect, expected id %q, got %q", e.Expected, e.Got)
}

// Default capacities approximating conceptually unbounded queues: sized
// generously, with overflow dropped-and-logged rather than blocking.
const (
	DefaultReceivedCapacity   = 4096
	DefaultReadyToSendCapacity = 4096
)

// wireConn is the subset of *websocket.Conn this package depends on, so
// tests can substitute an in-memory fake.
type wireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Connection is a StreamingConnection: it owns one underlying socket and
// exposes two FIFO queues (received, readyToSend) gated by a single
// accepted session id.
type Connection struct {
	logger logging.Logger
	conn   wireConn
	name   string

	mu               sync.Mutex
	communicationID  *string
	closed           bool

	received    chan frame.Frame
	readyToSend chan frame.Frame

	closeOnce sync.Once
}

// New wraps an established websocket connection. name identifies the
// connection in logs (e.g. "client", "stt", "tts").
func New(name string, conn *websocket.Conn, logger logging.Logger) *Connection {
	return newConnection(name, conn, logger)
}

func newConnection(name string, conn wireConn, logger logging.Logger) *Connection {
	return &Connection{
		logger:      logger.With("stream", name),
		conn:        conn,
		name:        name,
		received:    make(chan frame.Frame, DefaultReceivedCapacity),
		readyToSend: make(chan frame.Frame, DefaultReadyToSendCapacity),
	}
}

// Run drives the read and write pumps until the underlying connection
// closes or ctx is cancelled. It always returns after both pumps exit and
// marks the connection closed.
func (c *Connection) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- c.readPump(ctx) }()
	go func() { errCh <- c.writePump(ctx) }()

	// Fail-fast: the first pump to stop tears down the other and the
	// connection is marked closed regardless of which side failed.
	first := <-errCh
	cancel()
	c.conn.Close()
	<-errCh

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	if first != nil && !errors.Is(first, context.Canceled) {
		return first
	}
	return nil
}

func (c *Connection) readPump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if isCleanClose(err) {
				return nil
			}
			return err
		}

		f, err := frame.Decode(string(data))
		if err != nil {
			c.logger.Debugf("dropping malformed frame: %v", err)
			continue
		}
		c.route(f)
	}
}

func (c *Connection) writePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-c.readyToSend:
			encoded, err := frame.Encode(f)
			if err != nil {
				c.logger.Errorf("failed to encode outbound frame: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(encoded)); err != nil {
				return err
			}
		}
	}
}

// route applies the inbound routing rules: RESET frames trigger a local
// reset without being enqueued, and frames tagged with an id other than
// the currently accepted one are discarded.
func (c *Connection) route(f frame.Frame) {
	if f.Status() == frame.StatusReset {
		c.Reset(f.ID(), false)
		return
	}

	c.mu.Lock()
	valid := c.communicationID == nil || *c.communicationID == f.ID()
	c.mu.Unlock()

	if !valid {
		c.logger.Debugf("discarding frame with id %q (accepted id differs)", f.ID())
		return
	}

	select {
	case c.received <- f:
	default:
		c.logger.Warnf("received queue full, dropping frame with id %q", f.ID())
	}
}

// Send enqueues a frame for delivery. It fails with ErrConnectionClosed
// if the connection has torn down, or with *StreamResetError if f's id
// disagrees with the currently accepted id.
func (c *Connection) Send(f frame.Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	valid := c.communicationID == nil || *c.communicationID == f.ID()
	expected := ""
	if c.communicationID != nil {
		expected = *c.communicationID
	}
	c.mu.Unlock()

	if !valid {
		return &StreamResetError{Expected: expected, Got: f.ID()}
	}

	select {
	case c.readyToSend <- f:
	default:
		c.logger.Warnf("ready-to-send queue full, dropping frame with id %q", f.ID())
	}
	return nil
}

// Recv drains every frame currently queued. It fails with
// ErrConnectionClosed only if the connection is closed and the queue is
// empty.
func (c *Connection) Recv() ([]frame.Frame, error) {
	var out []frame.Frame
	for {
		select {
		case f := <-c.received:
			out = append(out, f)
			continue
		default:
		}
		break
	}

	if len(out) == 0 {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil, ErrConnectionClosed
		}
	}
	return out, nil
}

// Reset sets the accepted session id, drops every queued frame tagged
// with any other id (by discarding both queues outright), and, if
// propagate, enqueues a single RESET frame for outbound delivery. A
// received RESET calls Reset(id, false) to avoid reset loops.
func (c *Connection) Reset(id string, propagate bool) {
	c.mu.Lock()
	c.communicationID = &id
	drain(c.received)
	drain(c.readyToSend)
	c.mu.Unlock()

	if propagate {
		// Safe even though Send() re-checks validity: communicationID is
		// now id, so this frame is always accepted.
		_ = c.Send(frame.Frame{frame.KeyID: id, frame.KeyStatus: frame.StatusReset})
	}
}

func drain(ch chan frame.Frame) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// CommunicationID returns the currently accepted session id, or "" if
// unset.
func (c *Connection) CommunicationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.communicationID == nil {
		return ""
	}
	return *c.communicationID
}

// Closed reports whether the connection has torn down.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the underlying socket, unblocking the read/write pumps.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
	)
}
