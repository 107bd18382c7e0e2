package ops

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mtousif2303/airbnb-cdc-ingestion-pipeline/internal/domain"
)

// Pinger checks liveness of a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckpointLister reads the current cursor of every partition.
type CheckpointLister interface {
	List(ctx context.Context) ([]domain.Checkpoint, error)
}

// Handler serves the small operational surface of the pipeline: a health
// probe and checkpoint inspection. Monitoring proper lives outside the
// pipeline; this is just enough for a human or an orchestrator probe.
type Handler struct {
	warehouse   Pinger
	audit       Pinger
	checkpoints CheckpointLister
}

// NewHandler creates the ops handler.
func NewHandler(warehouse, audit Pinger, checkpoints CheckpointLister) *Handler {
	return &Handler{warehouse: warehouse, audit: audit, checkpoints: checkpoints}
}

// Router builds the chi router for the ops endpoints.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.health)
	r.Get("/checkpoints", h.listCheckpoints)
	return r
}

type healthResponse struct {
	Status    string `json:"status"`
	Warehouse string `json:"warehouse"`
	Audit     string `json:"audit"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Warehouse: "ok", Audit: "ok"}
	status := http.StatusOK

	if err := h.warehouse.Ping(ctx); err != nil {
		resp.Status, resp.Warehouse = "degraded", err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := h.audit.Ping(ctx); err != nil {
		// A dead audit store degrades health but the upsert path still
		// runs; report it without masking the warehouse state.
		resp.Status, resp.Audit = "degraded", err.Error()
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

type checkpointResponse struct {
	PartitionID    string    `json:"partition_id"`
	Token          string    `json:"token"`
	LastAdvancedAt time.Time `json:"last_advanced_at"`
}

func (h *Handler) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := h.checkpoints.List(r.Context())
	if err != nil {
		log.Printf("failed to list checkpoints: %v", err)
		http.Error(w, "failed to list checkpoints", http.StatusInternalServerError)
		return
	}

	resp := make([]checkpointResponse, 0, len(checkpoints))
	for _, cp := range checkpoints {
		resp = append(resp, checkpointResponse{
			PartitionID:    cp.PartitionID,
			Token:          cp.Token,
			LastAdvancedAt: cp.LastAdvancedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
