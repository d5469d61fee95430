package status

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/threadhive/dispatch/pkg/logging"
)

// Handler exposes the read-only status surface.
type Handler struct {
	store  *Store
	logger *logging.Logger
}

// NewHandler creates the status handler.
func NewHandler(store *Store, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{store: store, logger: logger}
}

// Routes mounts the status endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/status", h.list)
	r.Get("/status/{pipelineID}", h.get)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("status list failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if statuses == nil {
		statuses = []PipelineStatus{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"pipelines": statuses})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	pipelineID, err := strconv.ParseInt(chi.URLParam(r, "pipelineID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid pipeline id", http.StatusBadRequest)
		return
	}
	ps, err := h.store.Get(r.Context(), pipelineID)
	if err != nil {
		h.logger.Error("status get failed", "pipeline_id", pipelineID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if ps == nil {
		http.Error(w, "unknown pipeline", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ps)
}
