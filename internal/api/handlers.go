package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"marketbot/internal/config"
)

// maxCycleLimit caps /api/cycles responses.
const (
	defaultCycleLimit = 20
	maxCycleLimit     = 200
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	provider StatusProvider
	cycles   CycleSource
	upgrader websocket.Upgrader
	stream   *Stream
	logger   *slog.Logger
}

// NewHandlers creates a handlers instance. allowedOrigins restricts the
// WebSocket upgrade; an empty list allows only same-origin requests.
func NewHandlers(provider StatusProvider, cycles CycleSource, cfg config.APIConfig, stream *Stream, logger *slog.Logger) *Handlers {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(cfg.AllowedOrigins) > 0 {
		allowed := make(map[string]bool, len(cfg.AllowedOrigins))
		for _, o := range cfg.AllowedOrigins {
			allowed[o] = true
		}
		upgrader.CheckOrigin = func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	return &Handlers{
		provider: provider,
		cycles:   cycles,
		upgrader: upgrader,
		stream:   stream,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleStatus returns the orchestrator's current state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := h.provider.Status()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Error("failed to encode status", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleCycles returns recent sealed cycle records, newest first. The
// ?limit= parameter is clamped to [1, 200].
func (h *Handlers) HandleCycles(w http.ResponseWriter, r *http.Request) {
	limit := defaultCycleLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = v
	}
	if limit > maxCycleLimit {
		limit = maxCycleLimit
	}

	records, err := h.cycles.RecentCycles(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to load cycle records", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		h.logger.Error("failed to encode cycle records", "error", err)
	}
}

// HandleWebSocket upgrades the connection and attaches it to the event
// stream. The subscriber gets the current status as its first frame.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	status := h.provider.Status()
	first, err := json.Marshal(Event{
		Type:      "status",
		Timestamp: status.Now,
		State:     status.State,
		Data:      status,
	})
	if err != nil {
		h.logger.Error("failed to marshal initial status", "error", err)
		first = nil
	}

	h.stream.Attach(conn, first)
}
