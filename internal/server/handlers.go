package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/torii/internal/health"
	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/registry"
	"github.com/ashita-ai/torii/internal/store"
)

// Handlers holds the dependencies shared by every HTTP handler.
type Handlers struct {
	registry   *registry.Registry
	store      *store.Store
	broker     *Broker
	supervisor *health.Supervisor
	namespace  string
	logger     *slog.Logger
	version    string
}

// HandlersDeps configures Handlers. Broker and Supervisor are optional.
type HandlersDeps struct {
	Registry   *registry.Registry
	Store      *store.Store
	Broker     *Broker
	Supervisor *health.Supervisor
	Namespace  string
	Logger     *slog.Logger
	Version    string
}

// NewHandlers wires the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		registry:   deps.Registry,
		store:      deps.Store,
		broker:     deps.Broker,
		supervisor: deps.Supervisor,
		namespace:  deps.Namespace,
		logger:     deps.Logger,
		version:    deps.Version,
	}
}

func (h *Handlers) identity(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "no identity in context")
	}
	return id, ok
}

// entityPath reconstructs the registrable path from the route wildcard.
func entityPath(r *http.Request) string {
	return "/" + r.PathValue("path")
}

// HandleRegisterServer handles POST /v1/servers.
func (h *Handlers) HandleRegisterServer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var srv model.Server
	if err := decodeJSON(r, &srv); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid", "malformed request body: "+err.Error())
		return
	}
	created, err := h.registry.RegisterServer(r.Context(), h.namespace, srv, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleRegisterAgent handles POST /v1/agents.
func (h *Handlers) HandleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var ag model.Agent
	if err := decodeJSON(r, &ag); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid", "malformed request body: "+err.Error())
		return
	}
	created, err := h.registry.RegisterAgent(r.Context(), h.namespace, ag, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleUpdateServer handles PUT /v1/servers/{path...}.
func (h *Handlers) HandleUpdateServer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var srv model.Server
	if err := decodeJSON(r, &srv); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid", "malformed request body: "+err.Error())
		return
	}
	srv.Path = entityPath(r)
	updated, err := h.registry.UpdateServer(r.Context(), h.namespace, srv, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleUpdateAgent handles PUT /v1/agents/{path...}.
func (h *Handlers) HandleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var ag model.Agent
	if err := decodeJSON(r, &ag); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid", "malformed request body: "+err.Error())
		return
	}
	ag.Path = entityPath(r)
	updated, err := h.registry.UpdateAgent(r.Context(), h.namespace, ag, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// handleGet serves GET /v1/{servers,agents}/{path...}.
func (h *Handlers) handleGet(typ model.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.identity(w, r)
		if !ok {
			return
		}
		reg, err := h.registry.Get(r.Context(), h.namespace, typ, entityPath(r), id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, reg)
	}
}

// handleDelete serves DELETE /v1/{servers,agents}/{path...}.
func (h *Handlers) handleDelete(typ model.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.identity(w, r)
		if !ok {
			return
		}
		if err := h.registry.Delete(r.Context(), h.namespace, typ, entityPath(r), id); err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]bool{"ok": true})
	}
}

// handleToggle serves PATCH /v1/{servers,agents}/{path...}.
func (h *Handlers) handleToggle(typ model.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.identity(w, r)
		if !ok {
			return
		}
		var body struct {
			Enabled *bool `json:"enabled"`
		}
		if err := decodeJSON(r, &body); err != nil || body.Enabled == nil {
			writeError(w, r, http.StatusBadRequest, "invalid", "body must be {\"enabled\": bool}")
			return
		}
		state, err := h.registry.Toggle(r.Context(), h.namespace, typ, entityPath(r), *body.Enabled, id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]bool{"enabled": state})
	}
}

// handleList serves GET /v1/{servers,agents}. Supports ?tag= and
// ?enabled=true.
func (h *Handlers) handleList(typ model.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.identity(w, r)
		if !ok {
			return
		}
		opts := store.ListOptions{Tag: r.URL.Query().Get("tag")}
		if v := r.URL.Query().Get("enabled"); v != "" {
			enabled, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "invalid", "enabled must be a boolean")
				return
			}
			opts.EnabledOnly = enabled
		}

		out := make([]model.Registrable, 0, 16)
		for reg, err := range h.registry.List(r.Context(), h.namespace, typ, opts, id) {
			if err != nil {
				writeDomainError(w, r, err)
				return
			}
			out = append(out, reg)
		}
		writeJSON(w, r, http.StatusOK, out)
	}
}

// HandleSearch handles POST /v1/search.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var body struct {
		Query       string           `json:"query"`
		K           int              `json:"k"`
		Type        model.EntityType `json:"type,omitempty"`
		Tags        []string         `json:"tags,omitempty"`
		EnabledOnly bool             `json:"enabled_only,omitempty"`
		WaitSynced  bool             `json:"wait_synced,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid", "malformed request body: "+err.Error())
		return
	}
	res, err := h.registry.Search(r.Context(), registry.SearchRequest{
		Namespace:   h.namespace,
		Query:       body.Query,
		K:           body.K,
		Type:        body.Type,
		Tags:        body.Tags,
		EnabledOnly: body.EnabledOnly,
		WaitSynced:  body.WaitSynced,
	}, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	type hit struct {
		Entity model.Registrable `json:"entity"`
		Score  float32           `json:"score"`
	}
	hits := make([]hit, 0, len(res.Hits))
	for _, hh := range res.Hits {
		hits = append(hits, hit{Entity: hh.Entity, Score: hh.Score})
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"hits":   hits,
		"synced": res.Synced,
	})
}

// HandleAuthorize handles POST /v1/authorize. The decision applies to the
// calling identity; gateways use it per forwarded request.
func (h *Handlers) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var op model.Operation
	if err := decodeJSON(r, &op); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid", "malformed request body: "+err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, h.registry.AuthorizeCall(id, op))
}

// HandleListScopes handles GET /v1/scopes.
func (h *Handlers) HandleListScopes(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	listed, err := h.registry.ListScopes(r.Context(), h.namespace, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, listed)
}

// HandlePutScope handles PUT /v1/scopes/{name...}.
func (h *Handlers) HandlePutScope(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var sc model.Scope
	if err := decodeJSON(r, &sc); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid", "malformed request body: "+err.Error())
		return
	}
	sc.Name = r.PathValue("name")
	stored, err := h.registry.PutScope(r.Context(), h.namespace, sc, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stored)
}

// HandleDeleteScope handles DELETE /v1/scopes/{name...}.
func (h *Handlers) HandleDeleteScope(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	if err := h.registry.DeleteScope(r.Context(), h.namespace, r.PathValue("name"), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"ok": true})
}

// HandleListScans handles GET /v1/scans?path=/svc/hello. Scan records
// survive entity deletion, so this works for retired paths too.
func (h *Handlers) HandleListScans(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, r, http.StatusBadRequest, "invalid", "path query parameter is required")
		return
	}
	// Scan records may describe deleted entities; gate on the list grant
	// for the path rather than entity existence.
	if !h.registry.AuthorizeCall(id, model.Operation{ServicePath: path, Method: model.MethodList}).Allow {
		writeError(w, r, http.StatusForbidden, "forbidden", "missing list grant for "+path)
		return
	}
	scans, err := h.store.ScansForEntity(r.Context(), h.namespace, path)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, scans)
}

// HandleProbeNow handles POST /v1/health/probe: one synchronous probe pass,
// global-admin gated.
func (h *Handlers) HandleProbeNow(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	if !h.registry.AuthorizeCall(id, model.Operation{ServicePath: model.Wildcard, Method: model.MethodAdmin}).Allow {
		writeError(w, r, http.StatusForbidden, "forbidden", "admin grant required")
		return
	}
	if h.supervisor == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "health supervisor not running")
		return
	}
	h.supervisor.ProbeNow(r.Context())
	writeJSON(w, r, http.StatusOK, map[string]int{"targets": h.supervisor.TargetCount()})
}

// HandleEvents handles GET /v1/events (SSE stream of change and health
// events).
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identity(w, r); !ok {
		return
	}
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived connection; lift the server's write deadline.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health. Open endpoint for load balancers.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	backend := "connected"

	if err := h.store.Ping(r.Context()); err != nil {
		status = "unhealthy"
		backend = "disconnected"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := map[string]any{
		"status":  status,
		"backend": backend,
		"version": h.version,
	}
	if h.supervisor != nil {
		resp["probe_targets"] = h.supervisor.TargetCount()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(resp)
}
