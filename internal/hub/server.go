package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/browsertap/relay/internal/upstream"
)

// StatusReporter exposes the upstream session state for the health endpoint.
type StatusReporter interface {
	Status() upstream.Status
}

type Server struct {
	hub            *Hub
	reporter       StatusReporter
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	listenPort     int
	devtoolsPort   int
	startedAt      time.Time
	proc           *process.Process
}

func NewServer(hub *Hub, reporter StatusReporter, allowedOrigins []string, authToken string, listenPort, devtoolsPort int) *Server {
	s := &Server{
		hub:            hub,
		reporter:       reporter,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
		listenPort:     listenPort,
		devtoolsPort:   devtoolsPort,
		startedAt:      time.Now(),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.Handle("/ws", securityHeaders(http.HandlerFunc(s.handleWS)))
	mux.Handle("/healthz", securityHeaders(http.HandlerFunc(s.handleHealth)))
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// clientFrame is what subscribers may send us: liveness pings only.
type clientFrame struct {
	Type string `json:"type"`
	T    int64  `json:"t"`
}

var pongFrame = []byte(`{"type":"pong"}`)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Both auth failures reject at the handshake boundary; no subscriber
	// object is ever created.
	if !s.authorize(r) || !s.checkOrigin(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Origin was checked above, with a proper 401; the upgrader must not
	// second-guess it.
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: upgrade error: %v", err)
		return
	}

	sub := s.hub.Register(conn)
	go s.readLoop(conn, sub)
}

// readLoop drains the subscriber's incoming frames. The only application
// frames expected are {"type":"ping"}, answered with a pong and counted as
// liveness. Any read error ends the subscription.
func (s *Server) readLoop(conn *websocket.Conn, sub *Subscriber) {
	defer s.hub.Unregister(sub)

	conn.SetReadLimit(1024)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == "ping" {
			s.hub.markAlive(sub)
			s.hub.enqueue(sub, pongFrame)
		}
	}
}

// authorize checks the shared secret, when one is configured. The token
// rides the query string for browser WebSocket clients, with header and
// bearer forms for everything else.
func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	if r.Header.Get("X-Relay-Token") == s.authToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}
	return false
}

// checkOrigin allows same-host and localhost browsers by default, and only
// the configured origins when an allow-list is set. Non-browser clients
// send no Origin header and always pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}
	return false
}

type healthResponse struct {
	Attached      bool            `json:"attached"`
	Upstream      upstream.Status `json:"upstream"`
	Subscribers   int             `json:"subscribers"`
	ListenPort    int             `json:"listenPort"`
	DevToolsPort  int             `json:"devtoolsPort"`
	UptimeSeconds float64         `json:"uptimeSeconds"`
	RSSBytes      uint64          `json:"rssBytes,omitempty"`
	CPUPercent    float64         `json:"cpuPercent,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.reporter.Status()
	resp := healthResponse{
		Attached:      status.State == upstream.StateAttached,
		Upstream:      status,
		Subscribers:   s.hub.Count(),
		ListenPort:    s.listenPort,
		DevToolsPort:  s.devtoolsPort,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	}
	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil {
			resp.RSSBytes = mem.RSS
		}
		if cpu, err := s.proc.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
