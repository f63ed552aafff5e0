// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package comms is the masternode's websocket server for mixing clients.
package comms

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"decred.org/coinjoin/cj"
	"decred.org/coinjoin/cj/msgjson"
	"decred.org/coinjoin/cj/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

const (
	// rpcTimeoutSeconds bounds reading and writing of plain HTTP requests.
	rpcTimeoutSeconds = 10

	// rpcMaxClients is the maximum number of active websocket connections.
	rpcMaxClients = 2000

	// banishTime is the duration of a client quarantine.
	banishTime = time.Hour

	// Per-IP request limits.
	ipMaxRatePerSec = 5
	ipMaxBurstSize  = 20
)

var (
	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 20 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// MsgHandler handles a client request. A nil error means the handler sent
// the response itself.
type MsgHandler func(context.Context, Link, *msgjson.Message) *msgjson.Error

type ipRateLimiter struct {
	*rate.Limiter
	lastHit time.Time
}

// Config is the Server configuration.
type Config struct {
	Logger cj.Logger
	// ListenAddrs are the addresses on which the server will listen.
	ListenAddrs []string
	// RPCCert and RPCKey are the TLS keypair files. The server is plain TCP
	// when both are empty.
	RPCCert string
	RPCKey  string
	// OnDisconnect, if set, is called with the ID of every link that closes.
	OnDisconnect func(id uint64)
}

// Server is the websocket hub for mixing clients. It satisfies the pool's
// Relay with Broadcast.
type Server struct {
	log          cj.Logger
	listeners    []net.Listener
	onDisconnect func(uint64)
	counter      atomic.Uint64
	runCtx       atomic.Value

	routeMtx sync.RWMutex
	routes   map[string]MsgHandler

	clientMtx sync.RWMutex
	clients   map[uint64]*wsLink

	banMtx     sync.RWMutex
	quarantine map[string]time.Time

	limiterMtx sync.Mutex
	limiters   map[string]*ipRateLimiter
}

// NewServer creates the listeners for the configured addresses.
func NewServer(cfg *Config) (*Server, error) {
	log := cfg.Logger
	if log == nil {
		log = cj.Disabled
	}
	var tlsConfig *tls.Config
	switch {
	case cfg.RPCCert != "" && cfg.RPCKey != "":
		keypair, err := tls.LoadX509KeyPair(cfg.RPCCert, cfg.RPCKey)
		if err != nil {
			return nil, fmt.Errorf("error loading TLS keypair: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{keypair},
			MinVersion:   tls.VersionTLS12,
		}
	case cfg.RPCCert != "" || cfg.RPCKey != "":
		return nil, errors.New("missing cert pair file")
	}

	ipv4Addrs, ipv6Addrs, err := parseListeners(cfg.ListenAddrs)
	if err != nil {
		return nil, err
	}
	listen := func(network, addr string) (net.Listener, error) {
		if tlsConfig != nil {
			return tls.Listen(network, addr, tlsConfig)
		}
		return net.Listen(network, addr)
	}
	listeners := make([]net.Listener, 0, len(ipv4Addrs)+len(ipv6Addrs))
	closeAll := func() {
		for _, l := range listeners {
			l.Close()
		}
	}
	for _, addr := range ipv4Addrs {
		l, err := listen("tcp4", addr)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("can't listen on %s: %w", addr, err)
		}
		listeners = append(listeners, l)
	}
	for _, addr := range ipv6Addrs {
		l, err := listen("tcp6", addr)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("can't listen on %s: %w", addr, err)
		}
		listeners = append(listeners, l)
	}
	s := newServer(log, cfg.OnDisconnect)
	s.listeners = listeners
	return s, nil
}

func newServer(log cj.Logger, onDisconnect func(uint64)) *Server {
	s := &Server{
		log:          log,
		onDisconnect: onDisconnect,
		routes:       make(map[string]MsgHandler),
		clients:      make(map[uint64]*wsLink),
		quarantine:   make(map[string]time.Time),
		limiters:     make(map[string]*ipRateLimiter),
	}
	s.runCtx.Store(context.Background())
	return s
}

// Route registers the handler for a request route.
func (s *Server) Route(route string, handler MsgHandler) {
	if route == "" {
		panic("Route: route is empty string")
	}
	s.routeMtx.Lock()
	defer s.routeMtx.Unlock()
	if _, exists := s.routes[route]; exists {
		panic(fmt.Sprintf("Route: double registration: %s", route))
	}
	s.routes[route] = handler
}

func (s *Server) routeHandler(route string) MsgHandler {
	s.routeMtx.RLock()
	defer s.routeMtx.RUnlock()
	return s.routes[route]
}

func (s *Server) ctx() context.Context {
	return s.runCtx.Load().(context.Context)
}

// router is the http.Handler serving the websocket endpoint.
func (s *Server) router(ctx context.Context, wg *sync.WaitGroup) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	mux.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ip := ipKey(r.RemoteAddr)
		if s.isQuarantined(ip) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if s.clientCount() >= rpcMaxClients {
			http.Error(w, "server at maximum capacity", http.StatusServiceUnavailable)
			return
		}
		conn, err := ws.NewConnection(s.log, w, r, pongWait)
		if err != nil {
			s.log.Errorf("ws connection error: %v", err)
			return
		}
		// http.Server.Shutdown does not wait for upgraded connections.
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.websocketHandler(ctx, conn, r.RemoteAddr, ip)
		}()
	})
	return mux
}

// Run serves clients until the context is canceled. Routes must be
// registered before Run.
func (s *Server) Run(ctx context.Context) {
	s.runCtx.Store(ctx)
	var wg sync.WaitGroup
	httpServer := &http.Server{
		Handler:     s.router(ctx, &wg),
		ReadTimeout: rpcTimeoutSeconds * time.Second,
	}

	for _, listener := range s.listeners {
		wg.Add(1)
		go func(listener net.Listener) {
			defer wg.Done()
			s.log.Infof("Mixing server listening on %s", listener.Addr())
			if err := httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
				s.log.Warnf("unexpected (http.Server).Serve error: %v", err)
			}
		}(listener)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pruneLimiters(ctx)
	}()

	<-ctx.Done()
	s.log.Infof("Mixing server shutting down...")
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctxTimeout); err != nil {
		s.log.Warnf("http.Server.Shutdown: %v", err)
	}
	s.disconnectClients()
	wg.Wait()
	s.log.Infof("Mixing server shutdown complete")
}

func (s *Server) pruneLimiters(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.limiterMtx.Lock()
			for ip, l := range s.limiters {
				if time.Since(l.lastHit) > time.Minute {
					delete(s.limiters, ip)
				}
			}
			s.limiterMtx.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// meter is false if the IP exceeded its request rate.
func (s *Server) meter(ip string) bool {
	s.limiterMtx.Lock()
	l := s.limiters[ip]
	if l == nil {
		l = &ipRateLimiter{Limiter: rate.NewLimiter(ipMaxRatePerSec, ipMaxBurstSize)}
		s.limiters[ip] = l
	}
	l.lastHit = time.Now()
	s.limiterMtx.Unlock()
	return l.Allow()
}

func (s *Server) isQuarantined(ip string) bool {
	s.banMtx.RLock()
	banTime, banned := s.quarantine[ip]
	s.banMtx.RUnlock()
	if banned && time.Now().After(banTime) {
		s.banMtx.Lock()
		delete(s.quarantine, ip)
		s.banMtx.Unlock()
		return false
	}
	return banned
}

func (s *Server) banish(ip string) {
	s.banMtx.Lock()
	s.quarantine[ip] = time.Now().Add(banishTime)
	s.banMtx.Unlock()
}

// websocketHandler runs the client link until it disconnects.
func (s *Server) websocketHandler(ctx context.Context, conn ws.Connection, addr, ip string) {
	link := newWSLink(s, s.counter.Add(1), addr, ip, conn)
	wg, err := link.Connect(ctx)
	if err != nil {
		s.log.Errorf("Failed to start link for %s: %v", addr, err)
		return
	}
	s.clientMtx.Lock()
	s.clients[link.id] = link
	s.clientMtx.Unlock()
	s.log.Debugf("Client %d connected from %s", link.id, addr)

	wg.Wait()

	s.clientMtx.Lock()
	delete(s.clients, link.id)
	s.clientMtx.Unlock()
	if link.ban {
		s.banish(ip)
	}
	if s.onDisconnect != nil {
		s.onDisconnect(link.id)
	}
	s.log.Debugf("Client %d disconnected", link.id)
}

// Broadcast sends the notification to every connected client.
func (s *Server) Broadcast(msg *msgjson.Message) {
	s.clientMtx.RLock()
	defer s.clientMtx.RUnlock()
	s.log.Debugf("Broadcasting %s to %d clients", msg.Route, len(s.clients))
	for id, link := range s.clients {
		if err := link.Send(msg); err != nil {
			s.log.Debugf("Send to client %d at %s failed: %v", id, link.Addr(), err)
			link.Disconnect()
		}
	}
}

func (s *Server) disconnectClients() {
	s.clientMtx.RLock()
	for _, link := range s.clients {
		link.Disconnect()
	}
	s.clientMtx.RUnlock()
}

func (s *Server) clientCount() int {
	s.clientMtx.RLock()
	defer s.clientMtx.RUnlock()
	return len(s.clients)
}

// ipKey strips the port from a remote address.
func ipKey(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// parseListeners splits the listen addresses into IPv4 and IPv6 addresses.
// An address without a host is listened on both.
func parseListeners(addrs []string) ([]string, []string, error) {
	ipv4Addrs := make([]string, 0, len(addrs))
	ipv6Addrs := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, nil, err
		}
		if host == "" {
			ipv4Addrs = append(ipv4Addrs, addr)
			ipv6Addrs = append(ipv6Addrs, addr)
			continue
		}
		if i := strings.LastIndex(host, "%"); i > 0 {
			host = host[:i]
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, nil, fmt.Errorf("'%s' is not a valid IP address", host)
		}
		if ip.To4() == nil {
			ipv6Addrs = append(ipv6Addrs, addr)
		} else {
			ipv4Addrs = append(ipv4Addrs, addr)
		}
	}
	return ipv4Addrs, ipv6Addrs, nil
}
