package llm

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/service"
)

// Provider sends one completion request to a model vendor. It never retries;
// retry, timeout and fallback policy belong to the Gateway.
type Provider interface {
	// Kind returns the provider type (e.g. "openai", "gemini")
	Kind() string

	// Complete performs a single non-streaming completion
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// CompletionRequest is the vendor-neutral request built from PromptParts.
type CompletionRequest struct {
	Model       string
	System      string
	Turns       []service.PromptTurn
	Temperature float64
	MaxTokens   int
}

// Completion is a vendor reply with its usage accounting.
type Completion struct {
	Text  string
	Model string
	Usage entity.Usage
}

// ProviderConfig holds the per-tenant endpoint a provider is built for.
type ProviderConfig struct {
	Kind    string
	BaseURL string
	APIKey  string
	// HTTPClient overrides the shared client (tests)
	HTTPClient *http.Client
}

// APIError is a non-2xx vendor response.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, body)
}

// HTTPStatus implements service.StatusCoder.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// --- Provider Factory Registry ---
// Providers register themselves via init() in their own package.
// Adding a new provider type = implement Provider + RegisterFactory("type", New).

// ProviderFactory creates a Provider from config.
type ProviderFactory func(cfg ProviderConfig, logger *zap.Logger) Provider

var (
	factoryMu sync.RWMutex
	factories = map[string]ProviderFactory{}
)

// RegisterFactory registers a provider factory for the given type name.
func RegisterFactory(kind string, factory ProviderFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[strings.ToLower(kind)] = factory
}

// CreateProvider creates a Provider using the registered factory for cfg.Kind.
func CreateProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	kind := strings.ToLower(cfg.Kind)

	factoryMu.RLock()
	factory, ok := factories[kind]
	factoryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider type %q (available: %v)", cfg.Kind, RegisteredKinds())
	}
	return factory(cfg, logger), nil
}

// RegisteredKinds lists the provider types linked into the binary.
func RegisteredKinds() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

var (
	sharedClientOnce sync.Once
	sharedClient     *http.Client
)

// SharedHTTPClient is the pooled client vendors use unless overridden.
// Per-attempt deadlines come from the request context.
func SharedHTTPClient() *http.Client {
	sharedClientOnce.Do(func() {
		sharedClient = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			},
		}
	})
	return sharedClient
}

// ClientFor returns cfg.HTTPClient or the shared client.
func ClientFor(cfg ProviderConfig) *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	return SharedHTTPClient()
}

// StripModelPrefix turns "openai/gpt-4o" into "gpt-4o". OpenRouter model ids
// keep their vendor prefix, so callers decide whether to use it.
func StripModelPrefix(model string) string {
	if idx := strings.Index(model, "/"); idx >= 0 {
		return model[idx+1:]
	}
	return model
}
