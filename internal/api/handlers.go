package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/pengelbrecht/ledgerloop/internal/control"
)

const maxBodyBytes = 1 << 16

// Handler serves the control-plane routes.
type Handler struct {
	cp ControlPlane
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cp.Status())
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req control.StartRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	writeResponse(w, h.cp.Start(req))
}

func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.cp.Stop())
}

func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	lines := 0
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "lines must be a non-negative integer")
			return
		}
		lines = n
	}
	writeJSON(w, http.StatusOK, h.cp.Logs(lines))
}

// writeResponse maps a control response to 202 or 409.
func writeResponse(w http.ResponseWriter, resp control.Response) {
	status := http.StatusAccepted
	if !resp.Accepted {
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
