// Package devserver is an in-memory implementation of the guest-list REST API
// with fault injection. It backs the CLI's serve command and end-to-end tests.
package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guestlist-app/guestsync"
)

// Request is one API call as seen by the server.
type Request struct {
	Method string
	Path   string
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server holds guests and groups in memory.
type Server struct {
	log    *slog.Logger
	router chi.Router
	hub    *hub

	mu         sync.Mutex
	guests     map[string]guestsync.Guest
	guestOrder []string
	groups     map[string]guestsync.GuestGroup
	groupOrder []string
	requests   []Request

	failNext   int
	failStatus int
	dropNext   int
	down       bool
}

// New creates a server with empty collections.
func New(opts ...Option) *Server {
	s := &Server{
		log:    slog.Default(),
		guests: make(map[string]guestsync.Guest),
		groups: make(map[string]guestsync.GuestGroup),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(s.log)
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Head("/health", s.handleHealth)
		r.Get("/health", s.handleHealth)
		r.Get("/ws", s.hub.handle)

		r.Group(func(r chi.Router) {
			r.Use(s.faultMiddleware)

			r.Route("/guests", func(r chi.Router) {
				r.Get("/", s.handleListGuests)
				r.Post("/", s.handleCreateGuest)
				r.Post("/bulk-update", s.handleBulkUpdateGuests)
				r.Patch("/{id}", s.handleUpdateGuest)
				r.Delete("/{id}", s.handleDeleteGuest)
			})
			r.Route("/groups", func(r chi.Router) {
				r.Get("/", s.handleListGroups)
				r.Post("/", s.handleCreateGroup)
				r.Patch("/{id}", s.handleUpdateGroup)
				r.Delete("/{id}", s.handleDeleteGroup)
			})
		})
	})
	return r
}

// ============================================================================
// Fault injection
// ============================================================================

// FailNext makes the next n API calls answer with status without touching
// any data.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	s.failNext = n
	s.failStatus = status
	s.mu.Unlock()
}

// DropResponses makes the next n API calls commit their change and then drop
// the connection before a response is written.
func (s *Server) DropResponses(n int) {
	s.mu.Lock()
	s.dropNext = n
	s.mu.Unlock()
}

// SetDown simulates an unreachable server: health reports 503 and API calls
// have their connection dropped.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// Requests returns the API calls received so far, in arrival order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Server) faultMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path})
		down := s.down
		fail, status := s.failNext > 0, s.failStatus
		if fail {
			s.failNext--
		}
		drop := !fail && s.dropNext > 0
		if drop {
			s.dropNext--
		}
		s.mu.Unlock()

		switch {
		case down:
			panic(http.ErrAbortHandler)
		case fail:
			writeError(w, status, "injected_failure", http.StatusText(status))
		case drop:
			next.ServeHTTP(&discardWriter{header: http.Header{}}, r)
			panic(http.ErrAbortHandler)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// discardWriter swallows a response that is never delivered.
type discardWriter struct {
	header http.Header
}

func (d *discardWriter) Header() http.Header         { return d.header }
func (d *discardWriter) Write(b []byte) (int, error) { return len(b), nil }
func (d *discardWriter) WriteHeader(int)             {}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/metrics") || strings.HasPrefix(r.URL.Path, guestsync.HealthPath) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "server is down")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListGuests(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]guestsync.Guest, 0, len(s.guestOrder))
	for _, id := range s.guestOrder {
		out = append(out, s.guests[id])
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateGuest(w http.ResponseWriter, r *http.Request) {
	var in guestsync.GuestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	if err := in.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	now := time.Now().UTC()
	g := guestsync.NormalizeGuest(guestsync.Guest{
		ID:        newID("g"),
		Name:      in.Name,
		Phone:     in.Phone,
		Email:     in.Email,
		Contact:   in.Contact,
		Invited:   in.Invited,
		Group:     in.Group,
		CreatedAt: &now,
		UpdatedAt: &now,
	})

	s.mu.Lock()
	s.guests[g.ID] = g
	s.guestOrder = append(s.guestOrder, g.ID)
	s.mu.Unlock()

	s.hub.publish(guestsync.PushGuestChanged, g)
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleUpdateGuest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	if err := guestsync.ValidateGuestPatch(patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patch", err.Error())
		return
	}

	s.mu.Lock()
	g, ok := s.guests[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "guest not found")
		return
	}
	updated, err := patchGuest(g, patch)
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "invalid_patch", err.Error())
		return
	}
	s.guests[id] = updated
	s.mu.Unlock()

	s.hub.publish(guestsync.PushGuestChanged, updated)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteGuest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	if _, ok := s.guests[id]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "guest not found")
		return
	}
	delete(s.guests, id)
	s.guestOrder = without(s.guestOrder, id)
	s.mu.Unlock()

	s.hub.publish(guestsync.PushGuestDeleted, guestsync.DeletedPayload{ID: id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBulkUpdateGuests(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs  []string       `json:"ids"`
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	if len(body.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "ids must not be empty")
		return
	}
	if err := guestsync.ValidateGuestPatch(body.Data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patch", err.Error())
		return
	}

	s.mu.Lock()
	for _, id := range body.IDs {
		if _, ok := s.guests[id]; !ok {
			s.mu.Unlock()
			writeError(w, http.StatusNotFound, "not_found", "guest not found: "+id)
			return
		}
	}
	out := make([]guestsync.Guest, 0, len(body.IDs))
	for _, id := range body.IDs {
		updated, err := patchGuest(s.guests[id], body.Data)
		if err != nil {
			s.mu.Unlock()
			writeError(w, http.StatusBadRequest, "invalid_patch", err.Error())
			return
		}
		out = append(out, updated)
	}
	for _, g := range out {
		s.guests[g.ID] = g
	}
	s.mu.Unlock()

	for _, g := range out {
		s.hub.publish(guestsync.PushGuestChanged, g)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]guestsync.GuestGroup, 0, len(s.groupOrder))
	for _, id := range s.groupOrder {
		out = append(out, s.groups[id])
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var in guestsync.GroupInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	if err := in.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	now := time.Now().UTC()
	g := guestsync.GuestGroup{
		ID:          newID("grp"),
		Name:        in.Name,
		Description: in.Description,
		CreatedAt:   &now,
		UpdatedAt:   &now,
	}

	s.mu.Lock()
	s.groups[g.ID] = g
	s.groupOrder = append(s.groupOrder, g.ID)
	s.mu.Unlock()

	s.hub.publish(guestsync.PushGroupChanged, g)
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	if err := guestsync.ValidateGroupPatch(patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patch", err.Error())
		return
	}

	s.mu.Lock()
	g, ok := s.groups[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "group not found")
		return
	}
	updated, err := guestsync.ApplyPatch(g, patch)
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "invalid_patch", err.Error())
		return
	}
	now := time.Now().UTC()
	updated.ID = id
	updated.UpdatedAt = &now
	updated.PendingSync = false
	s.groups[id] = updated
	s.mu.Unlock()

	s.hub.publish(guestsync.PushGroupChanged, updated)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	if _, ok := s.groups[id]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "group not found")
		return
	}
	delete(s.groups, id)
	s.groupOrder = without(s.groupOrder, id)
	s.mu.Unlock()

	s.hub.publish(guestsync.PushGroupDeleted, guestsync.DeletedPayload{ID: id})
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Seeding and inspection
// ============================================================================

// SeedGuest stores g as-is, generating an ID when it has none.
func (s *Server) SeedGuest(g guestsync.Guest) guestsync.Guest {
	if g.ID == "" {
		g.ID = newID("g")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.guests[g.ID]; !ok {
		s.guestOrder = append(s.guestOrder, g.ID)
	}
	s.guests[g.ID] = g
	return g
}

// SeedGroup stores g as-is, generating an ID when it has none.
func (s *Server) SeedGroup(g guestsync.GuestGroup) guestsync.GuestGroup {
	if g.ID == "" {
		g.ID = newID("grp")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; !ok {
		s.groupOrder = append(s.groupOrder, g.ID)
	}
	s.groups[g.ID] = g
	return g
}

// Guests returns the stored guests in creation order.
func (s *Server) Guests() []guestsync.Guest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]guestsync.Guest, 0, len(s.guestOrder))
	for _, id := range s.guestOrder {
		out = append(out, s.guests[id])
	}
	return out
}

// Groups returns the stored groups in creation order.
func (s *Server) Groups() []guestsync.GuestGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]guestsync.GuestGroup, 0, len(s.groupOrder))
	for _, id := range s.groupOrder {
		out = append(out, s.groups[id])
	}
	return out
}

// ============================================================================
// Helpers
// ============================================================================

type apiError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func patchGuest(g guestsync.Guest, patch map[string]any) (guestsync.Guest, error) {
	updated, err := guestsync.ApplyPatch(g, patch)
	if err != nil {
		return g, err
	}
	now := time.Now().UTC()
	updated.ID = g.ID
	updated.UpdatedAt = &now
	updated.PendingSync = false
	return guestsync.NormalizeGuest(updated), nil
}

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: msg}})
}

func writeValidationError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]apiError{"error": {
		Code:    "validation_failed",
		Message: "Invalid input",
		Fields:  guestsync.ValidationMessages(err),
	}})
}
