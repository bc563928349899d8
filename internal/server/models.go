package server

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qwenbridge/qwenbridge/internal/openai"
	"github.com/qwenbridge/qwenbridge/internal/qwen"
	"github.com/qwenbridge/qwenbridge/internal/translator"
)

// fallbackModelIDs keeps clients usable when the upstream catalogue is
// unreachable and nothing is cached.
var fallbackModelIDs = []string{
	"qwen-max-latest",
	"qwen-plus-latest",
	"qwen-turbo-latest",
	"qwen-max-latest-thinking",
	"qwen-max-latest-search",
	"qwen3-vl-plus",
	"qwen3-max-image",
	"qwen3-max-image_edit",
}

// modelCatalogue caches the last successful upstream listing.
type modelCatalogue struct {
	mu     sync.Mutex
	cached []openai.Model
}

func (c *modelCatalogue) store(models []openai.Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = append([]openai.Model(nil), models...)
}

func (c *modelCatalogue) load() []openai.Model {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached
}

// handleModels lists upstream models with the feature-suffix variants
// appended. Upstream failures fall back to the cached catalogue, then to the
// static list.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	var models []openai.Model

	lease, ok := s.pool.Acquire()
	if ok {
		catalogue, err := s.client.ListModels(r.Context(), lease.Creds)
		if err != nil {
			s.logger.Warn("upstream model listing failed", zap.Error(err))
		} else if len(catalogue) > 0 {
			models = expandModels(catalogue)
			s.models.store(models)
		}
	}
	if len(models) == 0 {
		models = s.models.load()
	}
	if len(models) == 0 {
		models = staticModels()
	}
	writeJSON(w, http.StatusOK, openai.ModelList{Object: "list", Data: models})
}

// expandModels appends the synthetic suffix variants behind each original
// model, driven by its advertised capabilities and chat types.
func expandModels(catalogue []qwen.CatalogModel) []openai.Model {
	now := time.Now().Unix()
	var out []openai.Model
	add := func(id string) {
		out = append(out, openai.Model{ID: id, Object: "model", Created: now, OwnedBy: "qwen"})
	}
	for _, m := range catalogue {
		add(m.ID)
		if m.SupportsThinking() {
			add(m.ID + translator.SuffixThinking)
		}
		if m.HasChatType("search") {
			add(m.ID + translator.SuffixSearch)
		}
		if m.HasChatType(string(qwen.ChatTypeImage)) {
			add(m.ID + translator.SuffixImage)
			add(m.ID + translator.SuffixImageEdit)
		} else if m.HasChatType(string(qwen.ChatTypeImageEdit)) {
			add(m.ID + translator.SuffixImageEdit)
		}
	}
	return out
}

func staticModels() []openai.Model {
	now := time.Now().Unix()
	out := make([]openai.Model, 0, len(fallbackModelIDs))
	for _, id := range fallbackModelIDs {
		out = append(out, openai.Model{ID: id, Object: "model", Created: now, OwnedBy: "qwen"})
	}
	return out
}
