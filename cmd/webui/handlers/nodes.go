package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/23skdu/longbow-vlm/internal/nodes"
)

const nodesPath = "/gguf-vlm/nodes"

// maxRunBody bounds node input payloads; images travel inline as base64.
const maxRunBody = 64 << 20

type RunRequest struct {
	Inputs map[string]any `json:"inputs"`
}

type RunResponse struct {
	RunID      string        `json:"run_id"`
	Outputs    nodes.Outputs `json:"outputs"`
	DurationMS float64       `json:"duration_ms"`
}

// NodesHandler serves GET /gguf-vlm/nodes (every spec) and
// GET/POST /gguf-vlm/nodes/{name} (one spec, or a run).
func NodesHandler(reg *nodes.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+nodesPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, reg.Specs())
	})
	mux.HandleFunc("GET "+nodesPath+"/{name}", func(w http.ResponseWriter, r *http.Request) {
		n, ok := reg.Get(r.PathValue("name"))
		if !ok {
			writeError(w, http.StatusNotFound, nodes.ErrUnknownNode)
			return
		}
		writeJSON(w, http.StatusOK, n.Spec())
	})
	mux.HandleFunc("POST "+nodesPath+"/{name}", runNode(reg))
	return mux
}

func runNode(reg *nodes.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RunRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRunBody))
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			RecordError("invalid_request")
			writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
			return
		}

		res, err := reg.Run(r.Context(), r.PathValue("name"), req.Inputs)
		switch {
		case errors.Is(err, nodes.ErrUnknownNode):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, nodes.ErrMissingInput):
			RecordError("invalid_request")
			writeError(w, http.StatusBadRequest, err)
		case err != nil:
			RecordError("node_" + strings.ToLower(r.PathValue("name")))
			writeError(w, http.StatusInternalServerError, err)
		default:
			writeJSON(w, http.StatusOK, RunResponse{RunID: res.RunID, Outputs: res.Outputs, DurationMS: res.Duration})
		}
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
