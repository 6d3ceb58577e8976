package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tutor/internal/catalog"
	"github.com/kalambet/tutor/internal/conversation"
	"github.com/kalambet/tutor/internal/persona"
	"github.com/kalambet/tutor/internal/progress"
	"github.com/kalambet/tutor/internal/session"
	"github.com/kalambet/tutor/internal/storage"
)

// AppDeps holds dependencies for the tutoring API handlers.
type AppDeps struct {
	Sessions *session.Manager
	Progress *progress.Store
	Catalog  *catalog.Catalog
	Personas *persona.Registry
	Store    *storage.Store
	Token    string
	Logger   *slog.Logger
}

// NewAppHandler returns an http.Handler with the session and progress routes.
// Everything except /health requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/topics", handleTopics(deps))
		r.Get("/personas", handlePersonas(deps))

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", handleListSessions(deps))
			r.Post("/", handleCreateSession(deps))
			r.Get("/{id}", handleGetSession(deps))
			r.Delete("/{id}", handleCloseSession(deps))
			r.Post("/{id}/turns", handleTurns(deps))
			r.Post("/{id}/transfer", handleTransfer(deps))
			r.Post("/{id}/outcomes", handleOutcome(deps))
			r.Post("/{id}/score", handleScore(deps))
			r.Get("/{id}/context/{persona}", handleContext(deps))
			r.Get("/{id}/events", handleEvents(deps))
		})

		r.Get("/progress/recent", handleRecent(deps))
		r.Get("/progress/mastery/{topic}", handleMastery(deps))
		r.Get("/progress/summary", handleSummary(deps))
		r.Get("/progress/stats", handleStats(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleTopics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Catalog.Topics())
	}
}

type personaView struct {
	ID      persona.ID   `json:"id"`
	Name    string       `json:"name"`
	Voice   string       `json:"voice"`
	Mode    string       `json:"mode,omitempty"`
	Targets []persona.ID `json:"targets"`
}

func handlePersonas(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defs := deps.Personas.All()
		out := make([]personaView, 0, len(defs))
		for _, d := range defs {
			out = append(out, personaView{
				ID:      d.Key,
				Name:    d.DisplayName(),
				Voice:   d.Voice,
				Mode:    string(d.Mode),
				Targets: d.AllowedTargets(),
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleListSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Sessions.List())
	}
}

func handleCreateSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := deps.Sessions.Create(r.Context())
		if err != nil {
			deps.Logger.Error("creating session", "error", err)
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, snap)
	}
}

func handleGetSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := deps.Sessions.Get(chi.URLParam(r, "id"))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleCloseSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Sessions.Close(chi.URLParam(r, "id")); err != nil {
			domainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type turnsRequest struct {
	Persona persona.ID          `json:"persona"`
	Items   []conversation.Item `json:"items"`
}

func handleTurns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req turnsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Persona == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "persona is required")
			return
		}
		if len(req.Items) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "items must not be empty")
			return
		}

		accepted, err := deps.Sessions.Deliver(r.Context(), chi.URLParam(r, "id"), req.Persona, req.Items...)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": accepted})
	}
}

type transferRequest struct {
	Target persona.ID `json:"target"`
	Topic  string     `json:"topic,omitempty"`
}

func handleTransfer(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transferRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Target == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "target is required")
			return
		}

		id := chi.URLParam(r, "id")
		if _, err := deps.Sessions.Transfer(r.Context(), id, req.Target, req.Topic); err != nil {
			domainError(w, err)
			return
		}
		snap, err := deps.Sessions.Get(id)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

type outcomeRequest struct {
	Topic string `json:"topic"`
	Mode  string `json:"mode"`
	Score *int   `json:"score,omitempty"`
	Note  string `json:"note,omitempty"`
}

func handleOutcome(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req outcomeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		mode, err := progress.ParseMode(req.Mode)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		entry, err := deps.Sessions.RecordOutcome(r.Context(), chi.URLParam(r, "id"), req.Topic, mode, req.Score, req.Note)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

type scoreRequest struct {
	Score    *int   `json:"score"`
	Feedback string `json:"feedback,omitempty"`
}

func handleScore(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scoreRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Score == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "score is required")
			return
		}

		res, err := deps.Sessions.Score(r.Context(), chi.URLParam(r, "id"), *req.Score, req.Feedback)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleContext(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Sessions.Context(chi.URLParam(r, "id"), persona.ID(chi.URLParam(r, "persona")))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleRecent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseIntParam(r, "limit", 20, 500)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		topic := r.URL.Query().Get("topic")
		if topic != "" {
			if _, ok := deps.Catalog.Lookup(topic); !ok {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown topic %q", topic)
				return
			}
		}

		recs, err := deps.Progress.Recent(r.Context(), topic, limit)
		if err != nil {
			deps.Logger.Error("listing recent sessions", "error", err)
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleMastery(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic := chi.URLParam(r, "topic")
		entry, ok, err := deps.Progress.Mastery(r.Context(), topic)
		if err != nil {
			deps.Logger.Error("reading mastery", "topic", topic, "error", err)
			domainError(w, err)
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no progress recorded for %q", topic)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

func handleSummary(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		text, err := deps.Progress.Summary(r.Context(), deps.Catalog.Title)
		if err != nil {
			deps.Logger.Error("summarizing progress", "error", err)
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"summary": text})
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Store.Stats(r.Context())
		if err != nil {
			deps.Logger.Error("reading store stats", "error", err)
			httpError(w, http.StatusServiceUnavailable, "store_error", "reading stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// decodeBody reads a size-limited JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: %v", err)
		return false
	}
	return true
}

// parseIntParam parses an optional integer query parameter, applying a
// default value and an upper bound.
func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	if v > maxVal {
		v = maxVal
	}
	return v, nil
}
