// Package server is the local UI surface: JSON intents over HTTP and a
// WebSocket stream of connection events.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/sipwell/internal/account"
	"github.com/chaz8081/sipwell/internal/ble"
	"github.com/chaz8081/sipwell/internal/ble/protocol"
	"github.com/chaz8081/sipwell/internal/profile"
	"github.com/chaz8081/sipwell/internal/targets"
)

// Device is the connection manager as seen by the UI.
type Device interface {
	Subscribe(buf int) (<-chan ble.Event, func())
	Snapshot() ble.Snapshot
	StartScan() error
	StopScan() error
	Connect(id ble.Identity) error
	Disconnect() error
	ReconnectToLastKnown() error
	SetAutoReconnect(enabled bool) error
	Send(cmd protocol.Command) error
}

// Targets exposes the scheduler.
type Targets interface {
	Latest() (targets.Targets, bool)
	Push(ctx context.Context, reset bool) (targets.Targets, error)
}

// Server wires intents to the Manager and collaborators.
type Server struct {
	device   Device
	targets  Targets
	accounts account.Service
	profiles profile.Store

	hub      *Hub
	upgrader websocket.Upgrader
	http     *http.Server

	// OnLastKnown, when set, is called after a successful connect so the
	// daemon can persist the identity.
	OnLastKnown func(ble.Identity)

	// AllowedOrigins are browser origins, besides the server's own, that
	// may use the API and the event stream.
	AllowedOrigins []string
}

func New(device Device, t Targets, accounts account.Service, profiles profile.Store) *Server {
	s := &Server{
		device:   device,
		targets:  t,
		accounts: accounts,
		profiles: profiles,
		hub:      NewHub(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}
	return s
}

// originAllowed accepts requests without an Origin header (non-browser
// clients), same-origin requests and the configured origins.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range s.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("POST /scan", s.handleScan)
	mux.HandleFunc("POST /scan/stop", s.handleStopScan)
	mux.HandleFunc("POST /connect/{id}", s.handleConnect)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /reconnect", s.handleReconnect)
	mux.HandleFunc("PUT /reconnect", s.handleSetReconnect)
	mux.HandleFunc("POST /command", s.handleCommand)

	mux.HandleFunc("GET /targets", s.handleTargets)
	mux.HandleFunc("POST /targets", s.handlePushTargets)

	mux.HandleFunc("POST /account/signup", s.handleSignUp)
	mux.HandleFunc("POST /account/signin", s.handleSignIn)
	mux.HandleFunc("POST /account/signout", s.handleSignOut)
	mux.HandleFunc("POST /account/verify", s.handleVerify)
	mux.HandleFunc("GET /account", s.handleCurrentUser)

	mux.HandleFunc("GET /profile", s.handleGetProfile)
	mux.HandleFunc("PUT /profile", s.handleSetProfile)
	mux.HandleFunc("PATCH /profile", s.handleUpdateProfile)

	handler := loggingMiddleware(corsMiddleware(s.originAllowed, mux))

	// The WebSocket endpoint skips the middleware; the recorder would hide
	// the Hijacker.
	main := http.NewServeMux()
	main.HandleFunc("GET /ws", s.handleWebSocket)
	main.Handle("/", handler)
	return main
}

// Run serves on addr and forwards Manager events to WebSocket clients
// until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.http = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.pump(ctx)

	errc := make(chan error, 1)
	go func() { errc <- s.http.Serve(ln) }()
	slog.Info("[HTTP] listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.Close()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// pump republishes Manager events to the hub.
func (s *Server) pump(ctx context.Context) {
	events, cancel := s.device.Subscribe(64)
	defer cancel()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == ble.EventReady && s.OnLastKnown != nil && ev.State.Device != nil {
				s.OnLastKnown(ev.State.Device.ID)
			}
			s.hub.Broadcast(toWebSocketEvent(ev))
		case <-ctx.Done():
			return
		}
	}
}

func toWebSocketEvent(ev ble.Event) WebSocketEvent {
	out := WebSocketEvent{Type: ev.Kind.String()}
	switch ev.Kind {
	case ble.EventState, ble.EventReady:
		out.Payload = ev.State
	case ble.EventDevices:
		devices := ev.Devices
		if devices == nil {
			devices = []ble.Device{}
		}
		out.Payload = devices
	case ble.EventTelemetry:
		out.Payload = ev.Telemetry
	case ble.EventBattery:
		out.Payload = map[string]int{"battery": ev.Battery}
	case ble.EventMessage:
		out.Payload = map[string]string{
			"kind":    ev.Message.Kind.String(),
			"text":    ev.Message.Text,
			"command": ev.Message.Command,
			"status":  ev.Message.Status,
		}
	}
	return out
}
