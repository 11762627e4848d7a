// Package stats serves the read-only dashboard endpoints under /stats.
package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/whisper/emochat/internal/store"
)

// Counter is the part of store.Store the stats endpoints read.
type Counter interface {
	CountSessions(ctx context.Context) (int64, error)
	CountMessages(ctx context.Context) (int64, error)
	SessionsByEmotion(ctx context.Context) (map[string]int64, error)
}

// Live reports in-memory counts of the running server. *room.Manager
// satisfies it.
type Live interface {
	Counts() (participants, rooms, waiting int)
}

var _ Counter = (store.Store)(nil)

type Handler struct {
	counter Counter
	live    Live
	log     *slog.Logger
}

// NewHandler creates a Handler. live may be nil, which disables /stats/live.
func NewHandler(counter Counter, live Live) *Handler {
	return &Handler{counter: counter, live: live, log: slog.With("component", "stats")}
}

// Routes returns the router to mount at /stats.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/sessions", h.Sessions)
	r.Get("/messages", h.Messages)
	r.Get("/by-emotion", h.ByEmotion)
	if h.live != nil {
		r.Get("/live", h.Live)
	}
	return r
}

// GET /stats/sessions
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	n, err := h.counter.CountSessions(r.Context())
	if err != nil {
		h.fail(w, "count sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"totalSessions": n})
}

// GET /stats/messages
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	n, err := h.counter.CountMessages(r.Context())
	if err != nil {
		h.fail(w, "count messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"totalMessages": n})
}

// GET /stats/by-emotion
func (h *Handler) ByEmotion(w http.ResponseWriter, r *http.Request) {
	byEmotion, err := h.counter.SessionsByEmotion(r.Context())
	if err != nil {
		h.fail(w, "sessions by emotion", err)
		return
	}
	if byEmotion == nil {
		byEmotion = map[string]int64{}
	}
	writeJSON(w, http.StatusOK, map[string]map[string]int64{"sessionsByEmotion": byEmotion})
}

// GET /stats/live
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	participants, rooms, waiting := h.live.Counts()
	writeJSON(w, http.StatusOK, map[string]int{
		"participants": participants,
		"activeRooms":  rooms,
		"waiting":      waiting,
	})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.log.Error("stats query failed", "op", op, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
