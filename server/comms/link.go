// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"sync"
	"time"

	"decred.org/coinjoin/cj/msgjson"
	"decred.org/coinjoin/cj/ws"
)

// Link is a connected mixing client. wsLink implements it over a websocket
// connection.
type Link interface {
	// ID is a unique connection identifier.
	ID() uint64
	// Addr is the client's address.
	Addr() string
	// Send sends the msgjson.Message to the client.
	Send(msg *msgjson.Message) error
	// Request sends the Request-type msgjson.Message to the client and
	// registers a handler for the response.
	Request(msg *msgjson.Message, f func(Link, *msgjson.Message), expireTime time.Duration, expire func()) error
	// Banish closes the link and quarantines the client's IP.
	Banish()
}

type responseHandler struct {
	f      func(Link, *msgjson.Message)
	expire *time.Timer
}

// wsLink is the masternode's representation of one client connection.
type wsLink struct {
	*ws.WSLink
	id     uint64
	ip     string
	server *Server

	reqMtx       sync.Mutex
	respHandlers map[uint64]*responseHandler
	// ban is set if the IP should be quarantined when the link closes.
	ban bool
}

func newWSLink(s *Server, id uint64, addr, ip string, conn ws.Connection) *wsLink {
	c := &wsLink{
		id:           id,
		ip:           ip,
		server:       s,
		respHandlers: make(map[uint64]*responseHandler),
	}
	c.WSLink = ws.NewWSLink(s.log, addr, conn, pingPeriod, c.handleMessage)
	return c
}

func (c *wsLink) ID() uint64 {
	return c.id
}

// Banish sets the ban flag and closes the link.
func (c *wsLink) Banish() {
	c.ban = true
	c.Disconnect()
}

func (c *wsLink) handleMessage(msg *msgjson.Message) *msgjson.Error {
	switch msg.Type {
	case msgjson.Request:
		if !c.server.meter(c.ip) {
			return msgjson.NewError(msgjson.TooManyRequestsError, "too many requests")
		}
		handler := c.server.routeHandler(msg.Route)
		if handler == nil {
			return msgjson.NewError(msgjson.RPCUnknownRoute, "unknown route %q", msg.Route)
		}
		return handler(c.server.ctx(), c, msg)
	case msgjson.Response:
		cb := c.respHandler(msg.ID)
		if cb == nil {
			c.server.log.Debugf("Unknown response ID %d from client %d", msg.ID, c.id)
			return nil
		}
		cb.f(c, msg)
		return nil
	}
	return msgjson.NewError(msgjson.UnknownMessageType, "unknown message type")
}

// Request sends the request and calls f with the response, or expire if none
// arrives within expireTime.
func (c *wsLink) Request(msg *msgjson.Message, f func(Link, *msgjson.Message), expireTime time.Duration, expire func()) error {
	c.reqMtx.Lock()
	c.respHandlers[msg.ID] = &responseHandler{
		f: f,
		expire: time.AfterFunc(expireTime, func() {
			if c.expire(msg.ID) {
				expire()
			}
		}),
	}
	c.reqMtx.Unlock()
	if err := c.Send(msg); err != nil {
		c.expire(msg.ID)
		return err
	}
	return nil
}

func (c *wsLink) expire(id uint64) bool {
	c.reqMtx.Lock()
	defer c.reqMtx.Unlock()
	_, found := c.respHandlers[id]
	delete(c.respHandlers, id)
	return found
}

// respHandler removes and returns the response handler for the request ID.
func (c *wsLink) respHandler(id uint64) *responseHandler {
	c.reqMtx.Lock()
	defer c.reqMtx.Unlock()
	cb, found := c.respHandlers[id]
	if !found {
		return nil
	}
	delete(c.respHandlers, id)
	cb.expire.Stop()
	return cb
}
