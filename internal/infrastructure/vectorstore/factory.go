package vectorstore

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/replyhub/replyhub/internal/domain/knowledge"
	"github.com/replyhub/replyhub/internal/infrastructure/config"
)

// Opener builds a store for drivers that are compiled in optionally.
type Opener func(cfg config.VectorStoreConfig, dimension int, logger *zap.Logger) (knowledge.VectorStore, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{}
)

// RegisterDriver makes an optional driver available to New.
func RegisterDriver(name string, open Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[name] = open
}

// New opens the configured vector store.
func New(cfg config.VectorStoreConfig, db *gorm.DB, dimension int, logger *zap.Logger) (knowledge.VectorStore, error) {
	switch cfg.Driver {
	case "memory":
		return knowledge.NewInMemoryVectorStore(), nil
	case "", "gorm":
		return NewGormVectorStore(db), nil
	}

	openersMu.RLock()
	open, ok := openers[cfg.Driver]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vector store driver %q is not compiled in (build with -tags %s)", cfg.Driver, cfg.Driver)
	}
	return open(cfg, dimension, logger)
}
