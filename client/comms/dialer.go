// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package comms connects mixing clients to masternodes over websockets.
package comms

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"decred.org/coinjoin/cj"
	"decred.org/coinjoin/cj/msgjson"
	"decred.org/coinjoin/cj/ws"
	"decred.org/coinjoin/client/mixer"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/gorilla/websocket"
)

const (
	defaultPingWait  = 20 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Config is the Dialer configuration.
type Config struct {
	Logger cj.Logger
	// TLS selects wss. TLSConfig is used if set.
	TLS       bool
	TLSConfig *tls.Config
	// PingWait is the read deadline extension granted by every ping or pong.
	PingWait time.Duration
	// Handler receives every notification from a masternode.
	Handler func(from chainhash.Hash, msg *msgjson.Message)
}

type respHandler struct {
	f      func(*msgjson.Message)
	expire *time.Timer
}

// conn is a link to one masternode.
type conn struct {
	*ws.WSLink
	mn *mixer.Masternode

	reqMtx       sync.Mutex
	respHandlers map[uint64]*respHandler
}

func (c *conn) logReq(id uint64, f func(*msgjson.Message), expireTime time.Duration, expire func()) {
	c.reqMtx.Lock()
	defer c.reqMtx.Unlock()
	c.respHandlers[id] = &respHandler{
		f: f,
		expire: time.AfterFunc(expireTime, func() {
			if c.removeReq(id) != nil {
				expire()
			}
		}),
	}
}

func (c *conn) removeReq(id uint64) *respHandler {
	c.reqMtx.Lock()
	defer c.reqMtx.Unlock()
	h := c.respHandlers[id]
	delete(c.respHandlers, id)
	return h
}

// Dialer is the client's mixer.Transport. Connections to masternodes are
// opened on first use and kept until they drop.
type Dialer struct {
	log      cj.Logger
	scheme   string
	tlsCfg   *tls.Config
	pingWait time.Duration
	handler  func(chainhash.Hash, *msgjson.Message)

	mtx   sync.Mutex
	ctx   context.Context
	conns map[chainhash.Hash]*conn
}

var _ mixer.Transport = (*Dialer)(nil)

// NewDialer is the constructor for a Dialer.
func NewDialer(cfg *Config) *Dialer {
	log := cfg.Logger
	if log == nil {
		log = cj.Disabled
	}
	pingWait := cfg.PingWait
	if pingWait <= 0 {
		pingWait = defaultPingWait
	}
	scheme := "ws"
	if cfg.TLS {
		scheme = "wss"
	}
	handler := cfg.Handler
	if handler == nil {
		handler = func(chainhash.Hash, *msgjson.Message) {}
	}
	return &Dialer{
		log:      log,
		scheme:   scheme,
		tlsCfg:   cfg.TLSConfig,
		pingWait: pingWait,
		handler:  handler,
		ctx:      context.Background(),
		conns:    make(map[chainhash.Hash]*conn),
	}
}

// Run keeps the Dialer usable until the context is canceled, then closes
// every connection.
func (d *Dialer) Run(ctx context.Context) {
	d.mtx.Lock()
	d.ctx = ctx
	d.mtx.Unlock()
	<-ctx.Done()
	d.mtx.Lock()
	conns := d.conns
	d.conns = make(map[chainhash.Hash]*conn)
	d.mtx.Unlock()
	for _, c := range conns {
		c.Disconnect()
	}
}

// Request sends the request to the masternode and calls respHandler with the
// response, or expire if none arrives within expireTime.
func (d *Dialer) Request(mn *mixer.Masternode, msg *msgjson.Message, respHandler func(*msgjson.Message),
	expireTime time.Duration, expire func()) error {

	c, err := d.conn(mn)
	if err != nil {
		return err
	}
	c.logReq(msg.ID, respHandler, expireTime, expire)
	if err := c.Send(msg); err != nil {
		if h := c.removeReq(msg.ID); h != nil {
			h.expire.Stop()
		}
		return err
	}
	return nil
}

// Send sends the message to the masternode.
func (d *Dialer) Send(mn *mixer.Masternode, msg *msgjson.Message) error {
	c, err := d.conn(mn)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Connected is the number of open masternode connections.
func (d *Dialer) Connected() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.conns)
}

func (d *Dialer) conn(mn *mixer.Masternode) (*conn, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if c := d.conns[mn.ProTxHash]; c != nil && !c.Off() {
		return c, nil
	}
	c, err := d.dial(mn)
	if err != nil {
		return nil, err
	}
	d.conns[mn.ProTxHash] = c
	return c, nil
}

// dial connects to the masternode. The mtx MUST be held.
func (d *Dialer) dial(mn *mixer.Masternode) (*conn, error) {
	u := url.URL{Scheme: d.scheme, Host: mn.Addr, Path: "/ws"}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  d.tlsCfg,
	}
	wsConn, _, err := dialer.DialContext(d.ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("error connecting to masternode %s: %w", mn, err)
	}
	pingWait := d.pingWait
	wsConn.SetPingHandler(func(string) error {
		now := time.Now()
		if err := wsConn.SetReadDeadline(now.Add(pingWait)); err != nil {
			return err
		}
		return wsConn.WriteControl(websocket.PongMessage, []byte{}, now.Add(handshakeTimeout))
	})
	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(pingWait))
	})

	c := &conn{
		mn:           mn,
		respHandlers: make(map[uint64]*respHandler),
	}
	c.WSLink = ws.NewWSLink(d.log, mn.Addr, wsConn, pingWait*9/10, func(msg *msgjson.Message) *msgjson.Error {
		return d.handleMessage(c, msg)
	})
	wg, err := c.Connect(d.ctx)
	if err != nil {
		wsConn.Close()
		return nil, err
	}
	d.log.Debugf("Connected to masternode %s", mn)
	go func() {
		wg.Wait()
		d.mtx.Lock()
		if d.conns[mn.ProTxHash] == c {
			delete(d.conns, mn.ProTxHash)
		}
		d.mtx.Unlock()
		d.log.Debugf("Disconnected from masternode %s", mn)
	}()
	return c, nil
}

func (d *Dialer) handleMessage(c *conn, msg *msgjson.Message) *msgjson.Error {
	switch msg.Type {
	case msgjson.Response:
		h := c.removeReq(msg.ID)
		if h == nil {
			d.log.Debugf("Unknown response ID %d from %s", msg.ID, c.mn)
			return nil
		}
		h.expire.Stop()
		h.f(msg)
		return nil
	case msgjson.Notification:
		d.handler(c.mn.ProTxHash, msg)
		return nil
	}
	return msgjson.NewError(msgjson.UnknownMessageType, "unexpected %s from masternode", msg.Type)
}
