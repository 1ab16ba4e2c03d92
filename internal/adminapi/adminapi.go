// Package adminapi implements the REST control surface for managing
// reverse/forward tokens at runtime, served on the health listener
// alongside /health and /metrics.
package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cortexuvula/wssocksd/internal/logring"
	"github.com/cortexuvula/wssocksd/internal/registry"
	"github.com/cortexuvula/wssocksd/internal/security"
)

// Dependencies holds everything the admin API needs from the coordinator.
type Dependencies struct {
	Registry   *registry.Registry
	RingBuffer *logring.RingBuffer
	Version    string
	StartTime  time.Time
	AuthToken  string // if set, required as "Bearer <token>" on every request

	// OnReverseAdded is invoked after a reverse token is registered, so the
	// coordinator can lazily or eagerly start its SocksSupervisor.
	OnReverseAdded func(token string, port int)
	// OnTokenRemoved is invoked after a token (either kind) is removed, so
	// the coordinator can stop the associated supervisor and disconnect
	// clients.
	OnTokenRemoved func(token string, wasReverse bool, port int, peers []registry.Peer)

	Log *slog.Logger
}

// API serves the admin HTTP endpoints.
type API struct {
	deps Dependencies
}

// New creates an API with the given dependencies.
func New(deps Dependencies) *API {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &API{deps: deps}
}

// Handler returns the http.Handler to mount on the health listener.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tokens/reverse", a.requireAuth(a.handleAddReverse))
	mux.HandleFunc("/api/v1/tokens/forward", a.requireAuth(a.handleAddForward))
	mux.HandleFunc("/api/v1/tokens/", a.requireAuth(a.handleTokenByPath))
	mux.HandleFunc("/api/v1/tokens", a.requireAuth(a.handleListTokens))
	mux.HandleFunc("/api/v1/status", a.requireAuth(a.handleStatus))
	mux.HandleFunc("/api/v1/logs", a.requireAuth(a.handleLogs))
	return mux
}

func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.deps.AuthToken == "" {
			next(w, r)
			return
		}
		provided := security.ExtractBearerToken(r.Header.Get("Authorization"))
		if !security.TokenMatch(provided, a.deps.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid Authorization header"})
			return
		}
		next(w, r)
	}
}

type addReverseRequest struct {
	Token    string `json:"token,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type addReverseResponse struct {
	Token string `json:"token"`
	Port  int    `json:"port"`
}

func (a *API) handleAddReverse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req addReverseRequest
	if r.ContentLength != 0 {
		if !requireJSON(w, r) {
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
			return
		}
	}

	token, port, ok := a.deps.Registry.AddReverse(req.Token, req.Port, req.Username, req.Password)
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "token already registered as forward"})
		return
	}

	if a.deps.OnReverseAdded != nil {
		a.deps.OnReverseAdded(token, port)
	}

	writeJSON(w, http.StatusOK, addReverseResponse{Token: token, Port: port})
}

type addForwardRequest struct {
	Token string `json:"token,omitempty"`
}

type addForwardResponse struct {
	Token string `json:"token"`
}

func (a *API) handleAddForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req addForwardRequest
	if r.ContentLength != 0 {
		if !requireJSON(w, r) {
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
			return
		}
	}

	token := a.deps.Registry.AddForward(req.Token)
	writeJSON(w, http.StatusOK, addForwardResponse{Token: token})
}

func (a *API) handleTokenByPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	token := strings.TrimPrefix(r.URL.Path, "/api/v1/tokens/")
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token is required"})
		return
	}

	wasReverse, port, peers, ok := a.deps.Registry.Remove(token)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "token not found"})
		return
	}

	if a.deps.OnTokenRemoved != nil {
		a.deps.OnTokenRemoved(token, wasReverse, port, peers)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type tokenListEntry struct {
	Token   string `json:"token"`
	Kind    string `json:"kind"`
	Port    int    `json:"port,omitempty"`
	Clients int    `json:"clients"`
}

func (a *API) handleListTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var entries []tokenListEntry
	for _, t := range a.deps.Registry.ReverseTokens() {
		rec := a.deps.Registry.ReverseRecord(t)
		port := 0
		if rec != nil {
			port = rec.Port
		}
		entries = append(entries, tokenListEntry{Token: t, Kind: "reverse", Port: port, Clients: a.deps.Registry.ClientCount(t)})
	}
	for _, t := range a.deps.Registry.ForwardTokens() {
		entries = append(entries, tokenListEntry{Token: t, Kind: "forward"})
	}

	writeJSON(w, http.StatusOK, entries)
}

type statusResponse struct {
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	ReverseTokens int     `json:"reverse_tokens"`
	ForwardTokens int     `json:"forward_tokens"`
	Version       string  `json:"version"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(a.deps.StartTime)
	resp := statusResponse{
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		ReverseTokens: len(a.deps.Registry.ReverseTokens()),
		ForwardTokens: len(a.deps.Registry.ForwardTokens()),
		Version:       a.deps.Version,
	}
	writeJSON(w, http.StatusOK, resp)
}

type logEntryResponse struct {
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.deps.RingBuffer == nil {
		writeJSON(w, http.StatusOK, []logEntryResponse{})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	var entries []logring.LogEntry
	if token := r.URL.Query().Get("token"); token != "" {
		entries = a.deps.RingBuffer.EntriesForToken(token, limit)
	} else {
		entries = a.deps.RingBuffer.Entries(limit, 0, time.Time{})
	}
	resp := make([]logEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = logEntryResponse{
			Time:    e.Time.Format(time.RFC3339Nano),
			Level:   e.Level.String(),
			Message: e.Message,
			Attrs:   e.Attrs,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct != "application/json" {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Content-Type must be application/json"})
		return false
	}
	return true
}
