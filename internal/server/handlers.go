package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/chaz8081/sipwell/internal/account"
	"github.com/chaz8081/sipwell/internal/ble"
	"github.com/chaz8081/sipwell/internal/ble/protocol"
	"github.com/chaz8081/sipwell/internal/profile"
	"github.com/chaz8081/sipwell/internal/targets"
)

const maxRequestBody = 64 << 10

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// deviceError maps Manager errors to status codes.
func deviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ble.ErrBusy):
		writeError(w, http.StatusConflict, "Device busy", err)
	case errors.Is(err, ble.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "Bluetooth manager stopped", err)
	default:
		writeError(w, http.StatusBadRequest, "Request failed", err)
	}
}

func (s *Server) accepted(w http.ResponseWriter) {
	writeJSON(w, http.StatusAccepted, s.device.Snapshot())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.device.Snapshot())
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if err := s.device.StartScan(); err != nil {
		deviceError(w, err)
		return
	}
	s.accepted(w)
}

func (s *Server) handleStopScan(w http.ResponseWriter, r *http.Request) {
	if err := s.device.StopScan(); err != nil {
		deviceError(w, err)
		return
	}
	s.accepted(w)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Device id is required", nil)
		return
	}
	if err := s.device.Connect(ble.Identity(id)); err != nil {
		deviceError(w, err)
		return
	}
	s.accepted(w)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.device.Disconnect(); err != nil {
		deviceError(w, err)
		return
	}
	s.accepted(w)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.device.ReconnectToLastKnown(); err != nil {
		deviceError(w, err)
		return
	}
	s.accepted(w)
}

func (s *Server) handleSetReconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `Body must be {"enabled": true|false}`, err)
		return
	}
	if err := s.device.SetAutoReconnect(*req.Enabled); err != nil {
		deviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.device.Snapshot())
}

// handleCommand accepts a command in its wire shape and forwards it.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Could not read body", err)
		return
	}
	cmd, err := protocol.ParseCommand(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid command", err)
		return
	}
	if err := s.device.Send(cmd); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid command", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"command": cmd.Name()})
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	t, ok := s.targets.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "No targets computed yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePushTargets(w http.ResponseWriter, r *http.Request) {
	t, err := s.targets.Push(r.Context(), false)
	switch {
	case errors.Is(err, targets.ErrNotSignedIn):
		writeError(w, http.StatusUnauthorized, "Sign in first", err)
	case errors.Is(err, targets.ErrNoProfile):
		writeError(w, http.StatusConflict, "Complete your profile first", err)
	case errors.Is(err, targets.ErrNotConnected):
		writeError(w, http.StatusConflict, "Tumbler not connected", err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Could not push targets", err)
	default:
		writeJSON(w, http.StatusOK, t)
	}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// accountError maps identity errors to status codes.
func accountError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, account.ErrInvalidEmail), errors.Is(err, account.ErrWeakPassword), errors.Is(err, account.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, account.ErrEmailTaken):
		writeError(w, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, account.ErrInvalidCredentials), errors.Is(err, account.ErrNotSignedIn):
		writeError(w, http.StatusUnauthorized, err.Error(), nil)
	default:
		slog.Error("[HTTP] account store failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Account store failed", err)
	}
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := decodeBody(r, &c); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid credentials body", err)
		return
	}
	u, err := s.accounts.SignUp(c.Email, c.Password)
	if err != nil {
		accountError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := decodeBody(r, &c); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid credentials body", err)
		return
	}
	u, err := s.accounts.SignIn(c.Email, c.Password)
	if err != nil {
		accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.accounts.SignOut(); err != nil {
		accountError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid verify body", err)
		return
	}
	if err := s.accounts.Verify(req.Token); err != nil {
		accountError(w, err)
		return
	}
	u, _ := s.accounts.CurrentUser()
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	u, ok := s.accounts.CurrentUser()
	if !ok {
		accountError(w, account.ErrNotSignedIn)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// currentUser writes 401 and reports false when nobody is signed in.
func (s *Server) currentUser(w http.ResponseWriter) (*account.User, bool) {
	u, ok := s.accounts.CurrentUser()
	if !ok {
		accountError(w, account.ErrNotSignedIn)
		return nil, false
	}
	return u, true
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	u, ok := s.currentUser(w)
	if !ok {
		return
	}
	rec, err := s.profiles.Get(u.ID)
	if errors.Is(err, profile.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Profile not set up", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not read profile", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSetProfile(w http.ResponseWriter, r *http.Request) {
	u, ok := s.currentUser(w)
	if !ok {
		return
	}
	var rec profile.Record
	if err := decodeBody(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid profile body", err)
		return
	}
	if err := s.profiles.Set(u.ID, rec); err != nil {
		writeError(w, http.StatusInternalServerError, "Could not save profile", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	u, ok := s.currentUser(w)
	if !ok {
		return
	}
	var p profile.Patch
	if err := decodeBody(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid profile body", err)
		return
	}
	rec, err := s.profiles.Update(u.ID, p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not save profile", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[HTTP] websocket upgrade failed", "error", err)
		return
	}
	s.hub.Add(conn, WebSocketEvent{Type: "snapshot", Payload: s.device.Snapshot()})
}
