// Package httpapi is the minimal HTTP front: POST /run, plus a GET /health
// readiness endpoint (supplemental feature carried over from the Rust
// original's agent/lib/src/api/server.rs health surface).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/oriys/lambdo/internal/config"
	"github.com/oriys/lambdo/internal/fleet"
	"github.com/oriys/lambdo/internal/logging"
	"github.com/oriys/lambdo/internal/protocol"
	"github.com/oriys/lambdo/internal/translator"
)

// RunCodeFunc is the scheduler capability the HTTP handler depends on.
type RunCodeFunc func(ctx context.Context, languageKey string, req protocol.ExecuteRequest) (protocol.ExecuteResponse, error)

// Handler wires POST /run and GET /health onto a mux.
type Handler struct {
	Config   *config.Config
	Registry *fleet.Registry
	RunCode  RunCodeFunc
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /run", h.handleRun)
	mux.HandleFunc("GET /health", h.handleHealth)
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var req translator.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, translator.RunResponse{Status: 1, Stderr: "bad request"})
		return
	}

	lang, ok := h.findLanguage(req.Language, req.Version)
	if !ok {
		writeJSON(w, translator.RunResponse{Status: 1, Stderr: "unknown language"})
		return
	}

	execReq := translator.BuildExecuteRequest(req, lang)
	execResp, err := h.RunCode(r.Context(), lang.Key(), execReq)
	if err != nil {
		logging.Op().Warn("run_code failed", "language", lang.Key(), "error", err, "request_id", execReq.ID)
		writeJSON(w, translator.ErrorResponse(err))
		return
	}
	writeJSON(w, translator.BuildRunResponse(execResp))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	byStatus := h.Registry.StatusCounts()
	counts := map[string]int{
		"booting": byStatus[fleet.Booting],
		"ready":   byStatus[fleet.Ready],
		"running": byStatus[fleet.Running],
		"ended":   byStatus[fleet.Ended],
	}
	writeJSON(w, map[string]interface{}{"status": "ok", "fleet": counts})
}

func (h *Handler) findLanguage(name, version string) (config.Language, bool) {
	for _, l := range h.Config.Languages {
		if l.Name == name && l.Version == version {
			return l, true
		}
	}
	return config.Language{}, false
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
