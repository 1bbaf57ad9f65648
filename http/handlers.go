package http

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/google/uuid"

	"fosgate/api"
	"fosgate/monitoring"
)

type handlers struct {
	manager  api.Manager
	metrics  *monitoring.Metrics
	hub      *monitoring.Hub
	registry map[string]string
}

// RegisterHandlers 注册只读的运维接口
func RegisterHandlers(mux *http.ServeMux, h handlers) {
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/models", h.handleModels)
	mux.HandleFunc("GET /api/metrics", h.handleMetrics)
	if h.registry != nil {
		mux.HandleFunc("GET /api/registry", h.handleRegistry)
	}
	if h.hub != nil {
		mux.Handle("GET /api/events", h.hub)
	}
}

func (h handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	models, err := h.manager.ListModels(r.Context())
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "closed", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "models": len(models)})
}

type modelInfo struct {
	ID     uuid.UUID        `json:"id"`
	Config *api.ModelConfig `json:"config"`
}

func (h handlers) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.manager.ListModels(r.Context())
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	list := make([]modelInfo, 0, len(models))
	for id, cfg := range models {
		list = append(list, modelInfo{ID: id, Config: cfg})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID.String() < list[j].ID.String() })
	respondJSON(w, http.StatusOK, list)
}

func (h handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "prometheus" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(h.metrics.ExportPrometheus()))
		return
	}
	snapshot := h.metrics.Snapshot()
	resp := map[string]any{"scoring": snapshot}
	if h.hub != nil {
		resp["events"] = map[string]any{"clients": h.hub.Clients(), "sent": h.hub.Sent()}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h handlers) handleRegistry(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.registry)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
