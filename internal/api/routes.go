package api

import "net/http"

// Routes builds the gateway's HTTP mux.
func Routes(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", h.ChatCompletions)
	mux.HandleFunc("POST /v1/embeddings", h.Embeddings)
	mux.HandleFunc("POST /v1/audio/transcriptions", h.Transcriptions)
	mux.HandleFunc("POST /v1/images/generations", h.Images)
	mux.HandleFunc("POST /v1/rerank", h.Rerank)
	mux.HandleFunc("GET /v1/models", h.ListModels)
	mux.HandleFunc("GET /v1/health", h.HealthCheck)

	mux.HandleFunc("GET /health/live", h.Liveness)
	mux.HandleFunc("GET /health/ready", h.Readiness)
	mux.HandleFunc("GET /health/deployments/{id}", h.DeploymentHealth)

	return mux
}
