// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package ws carries mixing protocol messages over websocket connections.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"decred.org/coinjoin/cj"
	"decred.org/coinjoin/cj/msgjson"
	"github.com/gorilla/websocket"
)

// outBufferSize is the size of the WSLink's buffered channel for outgoing
// messages.
const outBufferSize = 128

const writeWait = 5 * time.Second

// ErrPeerDisconnected is returned if Send is called on a disconnected link.
const ErrPeerDisconnected = cj.ErrorKind("peer disconnected")

var upgrader = websocket.Upgrader{}

// Connection is a websocket connection to a remote peer. It is satisfied by
// *websocket.Conn. For testing, a stub can be used.
type Connection interface {
	Close() error

	SetReadDeadline(t time.Time) error
	ReadMessage() (int, []byte, error)

	SetWriteDeadline(t time.Time) error
	WriteMessage(int, []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// WSLink is one end of a websocket connection between a mixing client and a
// masternode.
type WSLink struct {
	log  cj.Logger
	addr string
	conn Connection
	// on prevents multiple Close calls on the underlying connection.
	on   atomic.Bool
	quit context.CancelFunc
	// stopped is closed when the link goes down.
	stopped    chan struct{}
	outChan    chan []byte
	wg         sync.WaitGroup
	handler    func(*msgjson.Message) *msgjson.Error
	pingPeriod time.Duration
}

// NewWSLink is the constructor for a new WSLink. Every message received from
// the peer is passed to handler. A non-nil *msgjson.Error from handler is sent
// back to the peer as the response.
func NewWSLink(log cj.Logger, addr string, conn Connection, pingPeriod time.Duration,
	handler func(*msgjson.Message) *msgjson.Error) *WSLink {

	if log == nil {
		log = cj.Disabled
	}
	return &WSLink{
		log:        log,
		addr:       addr,
		conn:       conn,
		outChan:    make(chan []byte, outBufferSize),
		pingPeriod: pingPeriod,
		handler:    handler,
	}
}

// Send queues the message for the peer. A nil error only means the link is
// believed to be up and the message was encoded.
func (c *WSLink) Send(msg *msgjson.Message) error {
	if c.Off() {
		return ErrPeerDisconnected
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.outChan <- b:
	case <-c.stopped:
		return ErrPeerDisconnected
	}
	return nil
}

// SendError sends the error as the response to request id.
func (c *WSLink) SendError(id uint64, rpcErr *msgjson.Error) {
	msg, err := msgjson.NewResponse(id, nil, rpcErr)
	if err != nil {
		c.log.Errorf("SendError: failed to create message: %v", err)
		return
	}
	if err := c.Send(msg); err != nil {
		c.log.Debugf("SendError: failed to send message to peer %s: %v", c.addr, err)
	}
}

// Connect starts the read, write and ping goroutines. The returned WaitGroup
// is done when the link is fully shut down.
func (c *WSLink) Connect(ctx context.Context) (*sync.WaitGroup, error) {
	if !c.on.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("link to %s already started", c.addr)
	}
	linkCtx, quit := context.WithCancel(ctx)
	c.quit = quit
	c.stopped = make(chan struct{})
	// The pong handler sets subsequent read deadlines.
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pingPeriod * 2)); err != nil {
		quit()
		return nil, fmt.Errorf("failed to set initial read deadline for %s: %w", c.addr, err)
	}

	c.log.Tracef("Starting websocket messaging with peer %s", c.addr)
	c.wg.Add(3)
	go c.inHandler(linkCtx)
	go c.outHandler(linkCtx)
	go c.pingHandler(linkCtx)
	return &c.wg, nil
}

func (c *WSLink) stop() bool {
	if !c.on.CompareAndSwap(true, false) {
		return false
	}
	close(c.stopped)
	c.quit()
	return true
}

// Disconnect stops the link. Messages already queued are written before the
// connection is closed.
func (c *WSLink) Disconnect() {
	if !c.stop() {
		c.log.Debugf("Disconnect attempted on stopped link to %s", c.addr)
	}
}

// Done is closed when the link is down. It is nil before Connect.
func (c *WSLink) Done() <-chan struct{} {
	return c.stopped
}

func (c *WSLink) inHandler(ctx context.Context) {
	defer c.wg.Done()
	defer c.stop()
	for ctx.Err() == nil {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && ctx.Err() == nil {
				c.log.Errorf("Websocket receive error from peer %s: %v", c.addr, err)
			}
			return
		}
		msg, err := msgjson.DecodeMessage(b)
		if err != nil || msg == nil {
			c.SendError(1, msgjson.NewError(msgjson.RPCParseError, "failed to parse message: %v", err))
			continue
		}
		if msg.Type == msgjson.Request && msg.ID == 0 {
			c.SendError(1, msgjson.NewError(msgjson.RPCParseError, "request id cannot be zero"))
			continue
		}
		if rpcErr := c.handler(msg); rpcErr != nil && msg.Type == msgjson.Request {
			c.SendError(msg.ID, rpcErr)
		}
	}
}

func (c *WSLink) write(b []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		c.stop()
		return false
	}
	return true
}

func (c *WSLink) outHandler(ctx context.Context) {
	defer c.wg.Done()
	defer c.conn.Close()
	defer c.stop()
	for {
		select {
		case b := <-c.outChan:
			if !c.write(b) {
				return
			}
		case <-ctx.Done():
			// Flush what was queued before the link went down.
			for {
				select {
				case b := <-c.outChan:
					if !c.write(b) {
						return
					}
				default:
					c.log.Debugf("Link to %s shut down", c.addr)
					return
				}
			}
		}
	}
}

func (c *WSLink) pingHandler(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				c.log.Debugf("Ping error for peer %s: %v", c.addr, err)
				c.stop()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Off is true if the link is down.
func (c *WSLink) Off() bool {
	return !c.on.Load()
}

// Addr is the peer address passed to the constructor.
func (c *WSLink) Addr() string {
	return c.addr
}

// NewConnection upgrades the http request to a websocket connection. Each
// pong from the peer extends the read deadline by readTimeout.
func NewConnection(log cj.Logger, w http.ResponseWriter, r *http.Request, readTimeout time.Duration) (Connection, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		var hsErr websocket.HandshakeError
		if !errors.As(err, &hsErr) {
			log.Errorf("Unexpected websocket error: %v", err)
		}
		return nil, err
	}
	addr := r.RemoteAddr
	conn.SetPongHandler(func(string) error {
		log.Tracef("Got pong from %s", addr)
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return conn, nil
}
