package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/service"
	llm "github.com/replyhub/replyhub/internal/infrastructure/llm"
)

func init() {
	llm.RegisterFactory("gemini", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

// Provider implements the Google Gemini API natively.
type Provider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// New creates a Google Gemini API provider.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &Provider{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		client:  llm.ClientFor(cfg),
		logger:  logger.With(zap.String("type", "gemini")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Kind() string { return "gemini" }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.Completion, error) {
	body, err := json.Marshal(buildAPIRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, url.PathEscape(llm.StripModelPrefix(req.Model)))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &llm.APIError{Provider: "gemini", StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return parseAPIResponse(respBody, req.Model)
}

func buildAPIRequest(req *llm.CompletionRequest) *Request {
	apiReq := &Request{
		GenerationConfig: &GenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if req.System != "" {
		apiReq.SystemInstruction = &Content{Parts: []Part{{Text: req.System}}}
	}
	for _, t := range req.Turns {
		role := "user"
		if t.Role == service.PromptRoleAssistant {
			role = "model"
		}
		apiReq.Contents = append(apiReq.Contents, Content{Role: role, Parts: []Part{{Text: t.Content}}})
	}
	return apiReq
}

func parseAPIResponse(body []byte, requested string) (*llm.Completion, error) {
	var apiResp Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parse Gemini response: %w", err)
	}
	if apiResp.PromptFeedback != nil && apiResp.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("prompt blocked by safety filter: %s", apiResp.PromptFeedback.BlockReason)
	}
	if len(apiResp.Candidates) == 0 {
		return nil, fmt.Errorf("empty Gemini response: no candidates")
	}

	candidate := apiResp.Candidates[0]
	if candidate.FinishReason == "SAFETY" {
		return nil, fmt.Errorf("reply blocked by safety filter")
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		// 跳过思考内容
		if part.Thought != nil && *part.Thought {
			continue
		}
		text.WriteString(part.Text)
	}

	out := &llm.Completion{Text: text.String(), Model: apiResp.ModelVersion}
	if out.Model == "" {
		out.Model = requested
	}
	if apiResp.UsageMetadata != nil {
		out.Usage = entity.Usage{
			PromptTokens:     apiResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: apiResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      apiResp.UsageMetadata.Total(),
		}
	}
	return out, nil
}
