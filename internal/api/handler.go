// Package api exposes the router over an OpenAI-compatible HTTP surface.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/lmrelay/lmrelay"
	llmerrors "github.com/lmrelay/lmrelay/pkg/errors"
	"github.com/lmrelay/lmrelay/pkg/types"
)

// maxAudioUploadBytes bounds transcription uploads.
const maxAudioUploadBytes = 25 << 20

// tagsHeader carries comma-separated routing tags.
const tagsHeader = "X-Route-Tags"

// Handler serves the gateway's HTTP endpoints.
type Handler struct {
	router *lmrelay.Router
	logger *slog.Logger
}

// NewHandler creates an API handler.
func NewHandler(router *lmrelay.Router, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{router: router, logger: logger}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.router.Completion(h.requestContext(r), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Embeddings handles POST /v1/embeddings.
func (h *Handler) Embeddings(w http.ResponseWriter, r *http.Request) {
	var req types.EmbeddingRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.router.Embedding(h.requestContext(r), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Transcriptions handles POST /v1/audio/transcriptions (multipart form).
func (h *Handler) Transcriptions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxAudioUploadBytes); err != nil {
		h.writeError(w, llmerrors.New(llmerrors.KindBadRequest, http.StatusBadRequest, "", "", "invalid multipart form: "+err.Error()))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, llmerrors.New(llmerrors.KindBadRequest, http.StatusBadRequest, "", "", "missing file field"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, llmerrors.New(llmerrors.KindBadRequest, http.StatusBadRequest, "", "", "read upload: "+err.Error()))
		return
	}

	req := types.TranscriptionRequest{
		Model:    r.FormValue("model"),
		Audio:    types.AudioNamed(header.Filename, types.AudioFromBytes(data)),
		Language: r.FormValue("language"),
		Prompt:   r.FormValue("prompt"),
		Format:   r.FormValue("response_format"),
	}
	resp, err := h.router.Transcription(h.requestContext(r), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Images handles POST /v1/images/generations.
func (h *Handler) Images(w http.ResponseWriter, r *http.Request) {
	var req types.ImageRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.router.ImageGeneration(h.requestContext(r), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Rerank handles POST /v1/rerank.
func (h *Handler) Rerank(w http.ResponseWriter, r *http.Request) {
	var req types.RerankRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.router.Rerank(h.requestContext(r), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ListModels handles GET /v1/models, returning the configured model groups.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	cfg := h.router.Config()
	models := make([]model, 0, len(cfg.ModelList))
	for _, mg := range cfg.ModelList {
		models = append(models, model{ID: mg.Name, Object: "model", OwnedBy: "lmrelay"})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

// HealthCheck handles GET /v1/health, probing deployments on demand. An
// optional repeated "group" query parameter restricts the probe set.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	groups := r.URL.Query()["group"]
	report := h.router.HealthCheck(r.Context(), groups...)
	h.writeJSON(w, http.StatusOK, report)
}

// Liveness handles GET /health/live.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Readiness handles GET /health/ready. Returns 503 until every required
// component is healthy.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	snap := h.router.Readiness(r.Context())
	status := http.StatusOK
	if !snap.Ready {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, snap)
}

// DeploymentHealth handles GET /health/deployments/{id}.
func (h *Handler) DeploymentHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, ok := h.router.DeploymentHealth(r.Context(), id)
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no health status recorded for " + id})
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// requestContext attaches routing tags from the tags header.
func (h *Handler) requestContext(r *http.Request) context.Context {
	raw := r.Header.Get(tagsHeader)
	if raw == "" {
		return r.Context()
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return lmrelay.ContextWithTags(r.Context(), tags...)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		h.writeError(w, llmerrors.New(llmerrors.KindBadRequest, http.StatusBadRequest, "", "", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("write response failed", "error", err)
	}
}

// errorBody is the OpenAI-compatible error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if le := llmerrors.AsLLMError(err); le != nil {
		status = le.HTTPStatusCode()
	}
	h.writeJSON(w, status, errorBody{Error: errorDetail{
		Message: err.Error(),
		Type:    string(llmerrors.KindOf(err)),
		Code:    status,
	}})
}
