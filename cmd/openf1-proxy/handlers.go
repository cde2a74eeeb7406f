package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/Sternrassler/openf1-proxy/pkg/broadcast"
	"github.com/Sternrassler/openf1-proxy/pkg/metrics"
	"github.com/Sternrassler/openf1-proxy/pkg/proxy"
	"github.com/Sternrassler/openf1-proxy/pkg/ratelimit"
	"github.com/Sternrassler/openf1-proxy/pkg/warmup"
)

// routes builds the HTTP surface:
//
//	GET /api/{resource}/{p1}        meetings, sessions, drivers, session-results, grid
//	GET /api/{resource}/{p1}/{p2}   stints, laps, positions
//	GET /api/latest-race?year=YYYY
//	POST /api/warm/{sessionKey}
//	GET /health, /ready, /metrics
//	/ws (or a websocket upgrade on any other path) for refresh events
func (a *app) routes() http.Handler {
	ws := broadcast.Handler(a.broadcaster, a.wsConfig())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/latest-race", a.handleLatestRace)
	mux.HandleFunc("POST /api/warm/{sessionKey}", a.handleWarm)
	mux.HandleFunc("GET /api/{resource}/{p1}", a.handleResource)
	mux.HandleFunc("GET /api/{resource}/{p1}/{p2}", a.handleResource)
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /ready", a.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("/ws", ws)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			ws(w, r)
			return
		}
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	})

	return withCORS(a.cfg.Server.CORSOrigin, mux)
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *app) handleResource(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("resource")
	params := []string{r.PathValue("p1")}
	if p2 := r.PathValue("p2"); p2 != "" {
		params = append(params, p2)
	}

	payload, err := a.service.Get(r.Context(), name, params...)
	if err != nil {
		a.writeError(w, r, name, err)
		return
	}
	writeRaw(w, http.StatusOK, payload)
}

func (a *app) handleLatestRace(w http.ResponseWriter, r *http.Request) {
	year := a.now().Year()
	if v := r.URL.Query().Get("year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "year must be an integer"})
			return
		}
		year = y
	}

	session, err := a.service.LatestRace(r.Context(), year)
	if err != nil {
		a.writeError(w, r, "latest race", err)
		return
	}
	writeRaw(w, http.StatusOK, session)
}

// handleWarm fills the cache for one session. A partial warm-up answers 502
// with the report.
func (a *app) handleWarm(w http.ResponseWriter, r *http.Request) {
	sessionKey, err := strconv.ParseInt(r.PathValue("sessionKey"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "sessionKey must be an integer"})
		return
	}

	report, err := a.warmer.WarmSession(r.Context(), sessionKey)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, report)
	case errors.Is(err, warmup.ErrPartial):
		writeJSON(w, http.StatusBadGateway, report)
	default:
		a.writeError(w, r, "drivers", err)
	}
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": a.now().UnixMilli(),
	})
}

func (a *app) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Ping(r.Context()); err != nil {
		a.logger.Warn().Err(err).Msg("Readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"scheduler": a.service.SchedulerState(r.Context()),
	})
}

// writeError maps service errors to status codes. Upstream failures are
// reported as a generic 500 naming the resource.
func (a *app) writeError(w http.ResponseWriter, r *http.Request, resource string, err error) {
	switch {
	case errors.Is(err, proxy.ErrInvalidParams):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, proxy.ErrUnknownResource), errors.Is(err, proxy.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, ratelimit.ErrQueueFull):
		a.logger.Error().Err(err).Str("resource", resource).Msg("Upstream queue full")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "upstream queue full, retry later"})
	default:
		if r.Context().Err() == nil {
			a.logger.Error().Err(err).Str("resource", resource).Str("path", r.URL.Path).Msg("Request failed")
		}
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Failed to fetch " + resource})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// withCORS sets Access-Control-Allow-Origin and answers preflight requests.
func withCORS(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
