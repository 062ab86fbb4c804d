// Package transport carries protocol messages between the host and the
// worker. Every logical channel is its own loopback websocket, so messages
// are FIFO within a channel and unordered across channels.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/richinsley/gorenderbridge/protocol"
)

// ErrConnectionLost is returned once the peer has gone away.
var ErrConnectionLost = errors.New("connection lost")

const queueSize = 256

// Conn is one end of a channel. Send never waits for the peer; receiving is
// either non-blocking (Poll, TryRecv) or blocking (Recv).
type Conn struct {
	channel protocol.Channel
	ws      *websocket.Conn
	log     *slog.Logger

	in     chan protocol.Message
	done   chan struct{} // closed when the read loop exits
	closed chan struct{} // closed by Close
	err    error         // valid once done is closed

	wmu       sync.Mutex
	closeOnce sync.Once
}

func newConn(ch protocol.Channel, ws *websocket.Conn, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{
		channel: ch,
		ws:      ws,
		log:     log.With("channel", string(ch)),
		in:      make(chan protocol.Message, queueSize),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		typ, b, err := c.ws.ReadMessage()
		if err != nil {
			c.err = fmt.Errorf("%s: %w: %v", c.channel, ErrConnectionLost, err)
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		m, err := protocol.Decode(b)
		if err != nil {
			c.log.Warn("dropping malformed message", "err", err)
			continue
		}
		if !c.channel.Accepts(m.Kind()) {
			c.log.Warn("dropping message on wrong channel", "kind", m.Kind())
			continue
		}
		select {
		case c.in <- m:
		case <-c.closed:
			c.err = fmt.Errorf("%s: %w: closed", c.channel, ErrConnectionLost)
			return
		}
	}
}

// Channel returns the channel this connection carries.
func (c *Conn) Channel() protocol.Channel { return c.channel }

// Send writes m to the peer.
func (c *Conn) Send(m protocol.Message) error {
	select {
	case <-c.closed:
		return fmt.Errorf("%s: %w: closed", c.channel, ErrConnectionLost)
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, protocol.Encode(m)); err != nil {
		return fmt.Errorf("%s: %w: %v", c.channel, ErrConnectionLost, err)
	}
	return nil
}

// Poll reports whether a message is ready.
func (c *Conn) Poll() bool { return len(c.in) > 0 }

// TryRecv returns the next queued message without blocking. Once the peer is
// gone and the queue is empty it returns an error wrapping ErrConnectionLost.
func (c *Conn) TryRecv() (protocol.Message, bool, error) {
	select {
	case m := <-c.in:
		return m, true, nil
	default:
	}
	select {
	case <-c.done:
		select {
		case m := <-c.in:
			return m, true, nil
		default:
			return nil, false, c.err
		}
	default:
		return nil, false, nil
	}
}

// Recv blocks until a message arrives, the peer goes away or ctx ends.
func (c *Conn) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-c.done:
		select {
		case m := <-c.in:
			return m, nil
		default:
			return nil, c.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the connection stops receiving.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close shuts the connection down. The peer sees the channel as lost.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.wmu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Set is the full group of connections of one bridge.
type Set map[protocol.Channel]*Conn

// Close closes every connection.
func (s Set) Close() error {
	var errs []error
	for _, c := range s {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
