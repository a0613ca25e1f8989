package ws

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"cosmossdk.io/log"
	"github.com/gorilla/websocket"

	"github.com/openalpha/perp-engine/metrics"
)

// Config holds the websocket server settings.
type Config struct {
	Addr           string
	AllowedOrigins []string
	MaxConnsPerIP  int
}

// DefaultConfig listens on :8081 and accepts any origin.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8081",
		AllowedOrigins: []string{"*"},
		MaxConnsPerIP:  10,
	}
}

// Server terminates websocket connections and hands them to the hub. The
// underlying http server carries no read or write timeouts: connections are
// long-lived and the pumps enforce their own deadlines.
type Server struct {
	hub       *Hub
	cfg       Config
	collector *metrics.Collector
	logger    log.Logger
	upgrader  websocket.Upgrader
	httpSrv   *http.Server

	ipMu  sync.Mutex
	perIP map[string]int
}

func NewServer(hub *Hub, collector *metrics.Collector, cfg Config, logger log.Logger) *Server {
	s := &Server{
		hub:       hub,
		cfg:       cfg,
		collector: collector,
		logger:    logger.With("module", "ws-server"),
		perIP:     make(map[string]int),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	if collector != nil {
		mux.Handle("/metrics", collector.Handler())
	}
	s.httpSrv = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

// Start serves until the listener closes. A clean Shutdown surfaces as
// http.ErrServerClosed.
func (s *Server) Start() error {
	s.logger.Info("websocket server listening", "addr", s.cfg.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown severs every client and stops the listener. Hijacked websocket
// connections are not covered by http.Server.Shutdown, so the hub closes
// them first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.acquireIP(ip) {
		http.Error(w, "too many connections from this address", http.StatusTooManyRequests)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.releaseIP(ip)
		s.logger.Debug("upgrade failed", "ip", ip, "error", err)
		return
	}
	client := newClient(s.hub, conn, ip, func() { s.releaseIP(ip) })
	s.hub.add(client)
	go client.writePump()
	// The request context dies when this handler returns; the connection
	// governs the pump lifetime instead.
	go client.readPump(context.Background())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

func (s *Server) acquireIP(ip string) bool {
	if s.cfg.MaxConnsPerIP <= 0 {
		return true
	}
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	if s.perIP[ip] >= s.cfg.MaxConnsPerIP {
		return false
	}
	s.perIP[ip]++
	return true
}

func (s *Server) releaseIP(ip string) {
	if s.cfg.MaxConnsPerIP <= 0 {
		return
	}
	s.ipMu.Lock()
	if s.perIP[ip]--; s.perIP[ip] <= 0 {
		delete(s.perIP, ip)
	}
	s.ipMu.Unlock()
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
