package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Stars1233/memori/internal/server"
	"github.com/Stars1233/memori/internal/storage"
	"go.uber.org/zap"
)

type Handler struct {
	srv *server.Server
	log *zap.SugaredLogger
}

// NewHTTPHandler serves the simulator's HTTP shim: a ping, a read-only
// cluster view and the chaos controls.
func NewHTTPHandler(srv *server.Server, logger *zap.SugaredLogger) http.Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	h := &Handler{srv: srv, log: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", h.handlePing)
	mux.HandleFunc("/clusters", h.handleGet)

	mux.HandleFunc("/chaos/partition", h.handlePartition)
	mux.HandleFunc("/chaos/heal", h.handleHeal)
	mux.HandleFunc("/chaos/latency", h.handleLatency)
	mux.HandleFunc("/chaos/fail", h.handleFail)

	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from crdb-sim http"})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "name required")
		return
	}

	c, err := h.srv.Lookup(r.Context(), name)
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "cluster not found")
		return
	}
	if err != nil {
		h.log.Errorf("[get] internal error: %v", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load cluster")
		return
	}
	if h.srv.Chaos().Partitioned(c.Region) {
		h.writeError(w, http.StatusServiceUnavailable, "region partitioned")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":   c.Name,
		"state":  c.State,
		"region": c.Region,
		"nodes":  c.Nodes,
	})
}

type regionBody struct {
	Region    string `json:"region"`
	LatencyMs int    `json:"latency_ms"`
}

func (h *Handler) decodeRegion(w http.ResponseWriter, r *http.Request) (regionBody, bool) {
	var body regionBody
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return body, false
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Region == "" {
		h.writeError(w, http.StatusBadRequest, "region required")
		return body, false
	}
	return body, true
}

func (h *Handler) handlePartition(w http.ResponseWriter, r *http.Request) {
	body, ok := h.decodeRegion(w, r)
	if !ok {
		return
	}
	h.srv.Chaos().Partition(body.Region)
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "partitioned",
		"region": body.Region,
	})
}

func (h *Handler) handleHeal(w http.ResponseWriter, r *http.Request) {
	body, ok := h.decodeRegion(w, r)
	if !ok {
		return
	}
	h.srv.Chaos().Heal(body.Region)
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healed",
		"region": body.Region,
	})
}

func (h *Handler) handleLatency(w http.ResponseWriter, r *http.Request) {
	body, ok := h.decodeRegion(w, r)
	if !ok {
		return
	}
	if body.LatencyMs < 0 {
		h.writeError(w, http.StatusBadRequest, "latency_ms must be non-negative")
		return
	}
	h.srv.Chaos().SetLatency(body.Region, time.Duration(body.LatencyMs)*time.Millisecond)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "latency_set",
		"region":     body.Region,
		"latency_ms": body.LatencyMs,
	})
}

func (h *Handler) handleFail(w http.ResponseWriter, r *http.Request) {
	body, ok := h.decodeRegion(w, r)
	if !ok {
		return
	}
	h.srv.Chaos().Fail(body.Region)
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "failing",
		"region": body.Region,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
	h.log.Debugf("[HTTP %d] %s", status, msg)
}
