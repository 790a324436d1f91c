package embedding

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/replyhub/replyhub/internal/domain/knowledge"
	"github.com/replyhub/replyhub/internal/infrastructure/config"
)

// New builds the embedder named by cfg.Provider.
func New(cfg config.EmbeddingConfig, logger *zap.Logger) (knowledge.Embedder, error) {
	switch cfg.Provider {
	case "", "hash":
		return knowledge.NewHashEmbedder(cfg.Dimension), nil
	case "ollama":
		return NewOllamaEmbedder(cfg.BaseURL, cfg.Model, cfg.Dimension, logger), nil
	case "openai":
		return NewOpenAIEmbedder(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dimension, logger), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}
