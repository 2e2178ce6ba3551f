package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omarfornaroli/posapp-sub000/internal/gateway"
	"github.com/omarfornaroli/posapp-sub000/internal/importer"
	"github.com/omarfornaroli/posapp-sub000/internal/session"
	"github.com/omarfornaroli/posapp-sub000/internal/store"
	"github.com/omarfornaroli/posapp-sub000/internal/sync"
)

// Handler is the localhost control surface the admin console talks to.
// Reads are served from the local cache so they keep working offline.
type Handler struct {
	baseCtx     context.Context
	syncService *sync.Service
	sessions    *session.Manager
	reconciler  *importer.Reconciler
	store       store.Store
	gatherer    prometheus.Gatherer
	corsOrigins []string
}

// NewHandler wires the control surface. baseCtx parents the sync channels
// started on login so they outlive the login request.
func NewHandler(baseCtx context.Context, svc *sync.Service, sessions *session.Manager, rec *importer.Reconciler, st store.Store, gatherer prometheus.Gatherer, corsOrigins []string) *Handler {
	return &Handler{
		baseCtx:     baseCtx,
		syncService: svc,
		sessions:    sessions,
		reconciler:  rec,
		store:       st,
		gatherer:    gatherer,
		corsOrigins: corsOrigins,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(h.corsMiddleware)

	r.Get("/health", h.HealthCheck)
	if h.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sync/status", h.GetSyncStatus)
		r.Post("/sync/refetch/{entity}", h.RefetchEntity)

		r.Get("/data/{entity}", h.GetEntityData)
		r.Get("/markers/{key}", h.GetMarker)
		r.Put("/markers/{key}", h.PutMarker)

		r.Post("/session/login", h.Login)
		r.Get("/session", h.GetSession)

		r.Group(func(r chi.Router) {
			r.Use(requireIdentity)

			r.Post("/session/extend", h.ExtendSession)
			r.Post("/session/logout", h.Logout)

			r.Post("/data/{entity}", h.CreateRecord)
			r.Put("/data/{entity}", h.SaveSettings)
			r.Put("/data/{entity}/{id}", h.UpdateRecord)
			r.Delete("/data/{entity}/{id}", h.DeleteRecord)

			r.Post("/import/{entity}", h.ImportBatch)
		})
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   h.syncService.Status(),
		"channels": h.syncService.ChannelStates(),
	})
}

func (h *Handler) RefetchEntity(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	force := r.URL.Query().Get("force") == "true"

	if err := h.syncService.Refetch(r.Context(), entity, force); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refetched"})
}

// GetEntityData serves the last-known-good cache, never the network.
func (h *Handler) GetEntityData(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	ch, ok := h.syncService.Channel(entity)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown entity")
		return
	}

	if ch.Entity().Singleton {
		rec, err := h.store.GetSingleton(r.Context(), entity)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	records, err := h.store.GetAll(r.Context(), entity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	payload, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.syncService.CreateRecord(r.Context(), entity, payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	id := chi.URLParam(r, "id")
	payload, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.syncService.UpdateRecord(r.Context(), entity, id, payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	id := chi.URLParam(r, "id")

	if err := h.syncService.DeleteRecord(r.Context(), entity, id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) SaveSettings(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	payload, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.syncService.SaveSettings(r.Context(), entity, payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type loginRequest struct {
	Email    string `json:"email"`
	Remember bool   `json:"remember"`
}

type loginResponse struct {
	Session   session.Info    `json:"session"`
	FirstSync bool            `json:"firstSync"`
	GateSteps []sync.GateStep `json:"gateSteps,omitempty"`
}

// Login starts the session, starts sync, and on first login blocks until
// the initial full sync gate has settled for every entity.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid login payload")
		return
	}

	info, err := h.sessions.Login(r.Context(), req.Email, req.Remember)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if !h.syncService.Running() {
		if err := h.syncService.Start(h.baseCtx); err != nil {
			h.writeError(w, err)
			return
		}
	}

	resp := loginResponse{Session: info}
	if h.syncService.InitialSyncNeeded(r.Context()) {
		resp.FirstSync = true
		// InitialSync serializes onStep calls, so the append is safe.
		steps := make([]sync.GateStep, 0)
		_ = h.syncService.InitialSync(r.Context(), func(step sync.GateStep) {
			steps = append(steps, step)
		})
		resp.GateSteps = steps
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Info())
}

func (h *Handler) ExtendSession(w http.ResponseWriter, r *http.Request) {
	expiresAt, err := h.sessions.Extend(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expiresAt": expiresAt})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Logout(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

type importRequest struct {
	Policy     string            `json:"policy"`
	NaturalKey string            `json:"naturalKey"`
	Rows       []json.RawMessage `json:"rows"`
}

func (h *Handler) ImportBatch(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	ch, ok := h.syncService.Channel(entity)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown entity")
		return
	}

	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid import payload")
		return
	}

	naturalKey := req.NaturalKey
	if naturalKey == "" {
		naturalKey = ch.Entity().NaturalKey
	}

	result, err := h.reconciler.Reconcile(r.Context(), ch.Entity(), req.Rows, naturalKey, importer.Policy(req.Policy))
	if err != nil {
		h.writeError(w, err)
		return
	}

	// Imports bypass the channel, so shorten staleness right away.
	_ = h.syncService.Refetch(r.Context(), entity, true)

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) GetMarker(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, ok, err := h.store.GetMarker(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "marker not set")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (h *Handler) PutMarker(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.SetMarker(r.Context(), key, string(value)); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	allowed := "*"
	if len(h.corsOrigins) > 0 {
		allowed = strings.Join(h.corsOrigins, ", ")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-User-Email")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireIdentity gates mutating routes on the identifying header the
// gateway forwards upstream.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-User-Email") == "" {
			writeError(w, http.StatusUnauthorized, "X-User-Email header required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func readBody(r *http.Request) (json.RawMessage, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		return nil, errors.New("failed to read request body")
	}
	if len(raw) == 0 {
		return nil, errors.New("request body is empty")
	}
	return json.RawMessage(raw), nil
}

type responseEnvelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(responseEnvelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(responseEnvelope{Success: false, Error: message})
}

// writeError maps sync-layer error taxonomy to HTTP statuses: offline is a
// 503 the UI treats quietly, server rejections carry their own status, and
// storage trouble means degraded mode.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if gateway.IsNetworkUnavailable(err) {
		writeError(w, http.StatusServiceUnavailable, "network unavailable")
		return
	}

	var srvErr *gateway.ServerError
	if errors.As(err, &srvErr) {
		status := srvErr.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		writeError(w, status, srvErr.Message)
		return
	}

	var stErr *store.StorageError
	if errors.As(err, &stErr) {
		writeError(w, http.StatusInsufficientStorage, "local cache degraded: "+stErr.Error())
		return
	}

	writeError(w, http.StatusBadRequest, err.Error())
}
