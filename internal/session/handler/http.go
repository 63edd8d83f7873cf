package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"device-session-control/internal/platform/httpjson"
	"device-session-control/internal/server/middleware"
	"device-session-control/internal/session/domain"
	"device-session-control/internal/session/service"
)

const (
	deviceIDHeader = "X-Device-Id"
	maxBodyBytes   = 64 << 10
)

// SessionService is the admission engine as seen by the HTTP layer.
type SessionService interface {
	Login(ctx context.Context, identity, deviceID string) (*service.LoginResult, error)
	Heartbeat(ctx context.Context, identity, deviceID string) (*service.HeartbeatResult, error)
	Evict(ctx context.Context, identity, deviceID string) (*service.EvictResult, error)
	Logout(ctx context.Context, identity, deviceID string) error
	RevokeAll(ctx context.Context, identity string) (int, error)
	ActiveCount(ctx context.Context, identity string) (int, error)
}

// Handler serves the /sessions API and /me. Every route requires an authenticated identity.
type Handler struct {
	svc SessionService
	log *slog.Logger
}

// NewHandler returns a Handler backed by svc.
func NewHandler(svc SessionService, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// Register mounts the routes on mux behind auth.
func (h *Handler) Register(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	mux.Handle("POST /sessions/login", auth(http.HandlerFunc(h.Login)))
	mux.Handle("POST /sessions/heartbeat", auth(http.HandlerFunc(h.Heartbeat)))
	mux.Handle("POST /sessions/evict", auth(http.HandlerFunc(h.Evict)))
	mux.Handle("POST /sessions/logout", auth(http.HandlerFunc(h.Logout)))
	mux.Handle("POST /sessions/revoke_all", auth(http.HandlerFunc(h.RevokeAll)))
	mux.Handle("GET /sessions/active", auth(http.HandlerFunc(h.ActiveCount)))
	mux.Handle("GET /me", auth(http.HandlerFunc(h.Me)))
}

type loginResponse struct {
	Status         domain.LoginStatus   `json:"status"`
	ActiveSessions []domain.SessionInfo `json:"active_sessions"`
}

type heartbeatResponse struct {
	Revoked bool   `json:"revoked"`
	Message string `json:"message,omitempty"`
}

type evictResponse struct {
	Status         string               `json:"status"`
	ActiveSessions []domain.SessionInfo `json:"active_sessions"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type revokeAllResponse struct {
	Revoked int `json:"revoked"`
}

type activeCountResponse struct {
	ActiveCount int `json:"active_count"`
}

type meResponse struct {
	Sub   string  `json:"sub"`
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	identity, deviceID, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Login(r.Context(), identity, deviceID)
	if err != nil {
		h.writeServiceError(w, r, "session.login", err)
		return
	}
	httpjson.WriteJSON(w, http.StatusOK, loginResponse{Status: res.Status, ActiveSessions: res.ActiveSessions})
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	identity, deviceID, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Heartbeat(r.Context(), identity, deviceID)
	if err != nil {
		h.writeServiceError(w, r, "session.heartbeat", err)
		return
	}
	httpjson.WriteJSON(w, http.StatusOK, heartbeatResponse{Revoked: res.Revoked, Message: res.Message})
}

func (h *Handler) Evict(w http.ResponseWriter, r *http.Request) {
	identity, deviceID, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Evict(r.Context(), identity, deviceID)
	if err != nil {
		h.writeServiceError(w, r, "session.evict", err)
		return
	}
	httpjson.WriteJSON(w, http.StatusOK, evictResponse{Status: "evicted", ActiveSessions: res.ActiveSessions})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	identity, deviceID, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	if err := h.svc.Logout(r.Context(), identity, deviceID); err != nil {
		h.writeServiceError(w, r, "session.logout", err)
		return
	}
	httpjson.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (h *Handler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	n, err := h.svc.RevokeAll(r.Context(), identity)
	if err != nil {
		h.writeServiceError(w, r, "session.revoke_all", err)
		return
	}
	httpjson.WriteJSON(w, http.StatusOK, revokeAllResponse{Revoked: n})
}

func (h *Handler) ActiveCount(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	n, err := h.svc.ActiveCount(r.Context(), identity)
	if err != nil {
		h.writeServiceError(w, r, "session.active_count", err)
		return
	}
	httpjson.WriteJSON(w, http.StatusOK, activeCountResponse{ActiveCount: n})
}

// Me echoes the verified identity.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		httpjson.WriteError(w, http.StatusUnauthorized, httpjson.CodeUnauthorized, "missing or invalid authorization")
		return
	}
	httpjson.WriteJSON(w, http.StatusOK, meResponse{Sub: claims.Subject, Name: claims.Name, Email: claims.Email})
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (string, bool) {
	sub, ok := middleware.GetUserSub(r.Context())
	if !ok {
		httpjson.WriteError(w, http.StatusUnauthorized, httpjson.CodeUnauthorized, "missing or invalid authorization")
		return "", false
	}
	return sub, true
}

// requestScope returns the authenticated identity and the request's device_id ("" when absent).
func (h *Handler) requestScope(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	identity, ok := h.identity(w, r)
	if !ok {
		return "", "", false
	}
	deviceID, err := deviceIDFrom(w, r)
	if err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, httpjson.CodeBadRequest, err.Error())
		return "", "", false
	}
	return identity, deviceID, true
}

// deviceIDFrom reads device_id from, in order, the query string, the JSON body and the
// X-Device-Id header; the first non-empty value wins. The body may be {"device_id": "..."}
// or a bare JSON string.
func deviceIDFrom(w http.ResponseWriter, r *http.Request) (string, error) {
	if v := r.URL.Query().Get("device_id"); v != "" {
		return v, nil
	}
	fromBody, err := deviceIDFromBody(w, r)
	if err != nil {
		return "", err
	}
	if fromBody != "" {
		return fromBody, nil
	}
	return strings.TrimSpace(r.Header.Get(deviceIDHeader)), nil
}

func deviceIDFromBody(w http.ResponseWriter, r *http.Request) (string, error) {
	if r.Body == nil {
		return "", nil
	}
	defer func() { _ = r.Body.Close() }()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return "", errors.New("request body too large")
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", errors.New("invalid JSON body")
		}
		return s, nil
	}
	var body struct {
		DeviceID *string `json:"device_id"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", errors.New("invalid JSON body")
	}
	if body.DeviceID == nil {
		return "", nil
	}
	return *body.DeviceID, nil
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrDeviceIDRequired):
		httpjson.WriteError(w, http.StatusBadRequest, httpjson.CodeBadRequest, domain.ErrDeviceIDRequired.Error())
	case errors.Is(err, domain.ErrDeviceRejected):
		httpjson.WriteError(w, http.StatusBadRequest, httpjson.CodeBadRequest, err.Error())
	case errors.Is(err, domain.ErrSessionNotFound):
		httpjson.WriteError(w, http.StatusNotFound, httpjson.CodeNotFound, domain.ErrSessionNotFound.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		h.log.DebugContext(r.Context(), op, "error", err)
	default:
		h.log.ErrorContext(r.Context(), op, "error", err)
		httpjson.WriteError(w, http.StatusInternalServerError, httpjson.CodeInternal, "internal error")
	}
}
