package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"safeagent/internal/config"
	"safeagent/internal/geocode"
	appLog "safeagent/internal/log"
	"safeagent/internal/model"
	"safeagent/internal/notify"
	"safeagent/internal/reconcile"
	"safeagent/internal/syncer"
)

const appointmentsCacheTTL = 30 * time.Second

// Appointments is the appointment side of the API; reconcile.Engine
// satisfies it.
type Appointments interface {
	Appointments(ctx context.Context) ([]model.Appointment, error)
	Create(ctx context.Context, in reconcile.ManualInput) (model.Appointment, error)
}

// SyncRunner triggers a manual refresh; syncer.Syncer satisfies it.
type SyncRunner interface {
	Run(ctx context.Context, trigger syncer.Trigger) (syncer.Outcome, error)
	Last() (syncer.Outcome, bool)
}

// Resolver geocodes one address; geocode.Pipeline satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, raw string) (model.Coordinate, error)
}

// Deps are the components the API serves.
type Deps struct {
	Appointments Appointments
	Sync         SyncRunner
	Geocoder     Resolver
	// Bus, if set, invalidates the appointment list cache on every change.
	Bus *notify.Bus
}

// Server provides the HTTP API over appointments and sync.
type Server struct {
	cfg  *config.Config
	deps Deps
	mux  *http.ServeMux
	now  func() time.Time

	// In-memory cache for GET /api/appointments, dropped whenever the
	// appointment set changes.
	cacheMu  sync.RWMutex
	cache    *appointmentsCache
	cacheGen uint64 // bumped by invalidate

	unsubscribe func()
}

type appointmentsCache struct {
	items     []model.Appointment
	updatedAt time.Time
}

// NewServer constructs a new Server. Call Close to stop listening for
// change notifications.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mux:  http.NewServeMux(),
		now:  time.Now,
	}
	s.registerRoutes()

	if deps.Bus != nil {
		ch, unsubscribe := deps.Bus.Subscribe(16)
		s.unsubscribe = unsubscribe
		go func() {
			for range ch {
				s.invalidate()
			}
		}()
	}
	return s
}

// Close detaches the server from the change bus.
func (s *Server) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="SafeAgent", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer serves the API on cfg.Listen until ctx is cancelled, then
// shuts down gracefully.
func StartServer(ctx context.Context, cfg *config.Config, deps Deps) error {
	s := NewServer(cfg, deps)
	defer s.Close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/appointments", s.handleListAppointments)
	s.mux.HandleFunc("POST /api/appointments", s.handleCreateAppointment)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
	s.mux.HandleFunc("GET /api/sync", s.handleLastSync)
	s.mux.HandleFunc("GET /api/geocode", s.handleGeocode)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// appointmentDTO is the JSON view of an appointment. Status is the
// display status; LocationPending marks sentinel coordinates so clients
// never plot them.
type appointmentDTO struct {
	LocalID         string            `json:"local_id"`
	ExternalEventID string            `json:"external_event_id,omitempty"`
	Title           string            `json:"title"`
	PropertyAddress string            `json:"property_address,omitempty"`
	Start           time.Time         `json:"start"`
	End             time.Time         `json:"end"`
	Status          model.Status      `json:"status"`
	Location        *model.Coordinate `json:"location,omitempty"`
	LocationPending bool              `json:"location_pending"`
	Manual          bool              `json:"manual"`
}

func toDTO(a model.Appointment, now time.Time) appointmentDTO {
	dto := appointmentDTO{
		LocalID:         a.LocalID,
		ExternalEventID: a.ExternalID(),
		Title:           a.Title,
		PropertyAddress: a.Address(),
		Start:           a.StartTime,
		End:             a.EndTime,
		Status:          a.DisplayStatus(now),
		LocationPending: a.PendingGeocode(),
		Manual:          !a.Linked(),
	}
	if c := a.Coordinate(); !c.IsSentinel() {
		dto.Location = &c
	}
	return dto
}

type appointmentsResponse struct {
	Appointments []appointmentDTO `json:"appointments"`
}

func (s *Server) handleListAppointments(w http.ResponseWriter, r *http.Request) {
	items, err := s.appointments(r.Context())
	if err != nil {
		appLog.Error("api appointments: list failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list appointments")
		return
	}

	now := s.now()
	resp := appointmentsResponse{Appointments: make([]appointmentDTO, 0, len(items))}
	for _, a := range items {
		resp.Appointments = append(resp.Appointments, toDTO(a, now))
	}
	writeJSON(w, http.StatusOK, resp)
}

// appointments returns the cached list, reloading it when stale.
func (s *Server) appointments(ctx context.Context) ([]model.Appointment, error) {
	s.cacheMu.RLock()
	c, gen := s.cache, s.cacheGen
	s.cacheMu.RUnlock()
	if c != nil && s.now().Sub(c.updatedAt) < appointmentsCacheTTL {
		return c.items, nil
	}

	items, err := s.deps.Appointments.Appointments(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheMu.Lock()
	// A change that landed during the load may not be in items.
	if s.cacheGen == gen {
		s.cache = &appointmentsCache{items: items, updatedAt: s.now()}
	}
	s.cacheMu.Unlock()
	return items, nil
}

func (s *Server) invalidate() {
	s.cacheMu.Lock()
	s.cache = nil
	s.cacheGen++
	s.cacheMu.Unlock()
}

type createRequest struct {
	Title   string    `json:"title"`
	Address string    `json:"address"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

func (s *Server) handleCreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	a, err := s.deps.Appointments.Create(r.Context(), reconcile.ManualInput{
		Title:   req.Title,
		Address: req.Address,
		Start:   req.Start,
		End:     req.End,
	})
	if errors.Is(err, reconcile.ErrInvalidAppointment) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		appLog.Error("api appointments: create failed", err)
		writeError(w, http.StatusInternalServerError, "failed to create appointment")
		return
	}

	// Bus-less servers still see their own writes.
	s.invalidate()
	writeJSON(w, http.StatusCreated, toDTO(a, s.now()))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Sync.Run(r.Context(), syncer.TriggerManual)
	switch {
	case errors.Is(err, syncer.ErrInProgress):
		writeError(w, http.StatusConflict, "sync already in progress")
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	case out.Access == syncer.AccessDenied:
		writeJSON(w, http.StatusForbidden, out)
	default:
		s.invalidate()
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleLastSync(w http.ResponseWriter, _ *http.Request) {
	out, ok := s.deps.Sync.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "no sync has run yet")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type geocodeResponse struct {
	Address  string           `json:"address"`
	Location model.Coordinate `json:"location"`
}

// handleGeocode runs the address pipeline for one address.
//
// GET /api/geocode?address=Showing%20@%2042%20Oak%20Ave
func (s *Server) handleGeocode(w http.ResponseWriter, r *http.Request) {
	addr := strings.TrimSpace(r.URL.Query().Get("address"))
	if addr == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}

	c, err := s.deps.Geocoder.Resolve(r.Context(), addr)
	if errors.Is(err, geocode.ErrUnresolved) {
		writeError(w, http.StatusNotFound, "address unresolved")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, geocodeResponse{Address: addr, Location: c})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
