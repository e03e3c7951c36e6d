package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/relayhq/copilot-gateway/internal/auth"
)

// TagsHandler serves Ollama's `GET /api/tags` model listing (spec.md §6.1),
// backed by the same ModelProvider the Request Pipeline consults for the
// default-model fallback.
type TagsHandler struct {
	models *auth.ModelProvider
	logger *slog.Logger
}

func NewTagsHandler(models *auth.ModelProvider, logger *slog.Logger) *TagsHandler {
	return &TagsHandler{models: models, logger: logger}
}

func (h *TagsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	model := h.models.GetCurrentModel(ctx)

	body := map[string]any{
		"models": []map[string]any{
			{
				"name":        model.ID,
				"modified_at": time.Now().UTC().Format(time.RFC3339),
				"size":        0,
				"digest":      model.ID,
				"details": map[string]any{
					"format":             "gguf",
					"family":             "copilot",
					"parameter_size":     "unknown",
					"quantization_level": "unknown",
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode tags response", "error", err)
	}
}
