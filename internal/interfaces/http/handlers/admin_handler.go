package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/replyhub/replyhub/internal/application/usecase"
	"github.com/replyhub/replyhub/internal/domain/entity"
	"go.uber.org/zap"
)

// CredentialWriter 租户模型配置
type CredentialWriter interface {
	Upsert(ctx context.Context, in usecase.CredentialInput) (*entity.ProviderCredential, error)
}

// DocumentIndexer 知识库索引
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, tenantID, documentID string, texts []string) (*usecase.IndexResult, error)
	DeleteDocument(ctx context.Context, tenantID, documentID string) (int, error)
}

// AdminHandler 租户配置与知识库接口
type AdminHandler struct {
	credentials CredentialWriter
	indexer     DocumentIndexer
	logger      *zap.Logger
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(credentials CredentialWriter, indexer DocumentIndexer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{credentials: credentials, indexer: indexer, logger: logger}
}

// ProviderRequest 模型提供方配置
type ProviderRequest struct {
	ProviderKind string            `json:"provider_kind" binding:"required"`
	APIKey       string            `json:"api_key" binding:"required"`
	BaseURL      string            `json:"base_url"`
	Model        string            `json:"model" binding:"required"`
	Temperature  float64           `json:"temperature"`
	MaxTokens    int               `json:"max_tokens"`
	SystemPrompt string            `json:"system_prompt"`
	Fallbacks    []FallbackRequest `json:"fallbacks"`
}

// FallbackRequest 备用提供方
type FallbackRequest struct {
	ProviderKind string `json:"provider_kind"`
	APIKey       string `json:"api_key"`
	BaseURL      string `json:"base_url"`
	Model        string `json:"model"`
}

// DocumentRequest 预切分的文档片段
type DocumentRequest struct {
	Chunks []string `json:"chunks" binding:"required"`
}

// PutProvider PUT /provider
func (h *AdminHandler) PutProvider(c *gin.Context) {
	var req ProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	in := usecase.CredentialInput{
		TenantID:     c.GetString(TenantKey),
		ProviderKind: req.ProviderKind,
		APIKey:       req.APIKey,
		BaseURL:      req.BaseURL,
		Model:        req.Model,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		SystemPrompt: req.SystemPrompt,
	}
	for _, fb := range req.Fallbacks {
		in.Fallbacks = append(in.Fallbacks, usecase.FallbackInput(fb))
	}

	cred, err := h.credentials.Upsert(c.Request.Context(), in)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	// 密钥字段不序列化
	c.JSON(http.StatusOK, cred)
}

// IndexDocument POST /documents/:doc
func (h *AdminHandler) IndexDocument(c *gin.Context) {
	var req DocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.indexer.IndexDocument(c.Request.Context(), c.GetString(TenantKey), c.Param("doc"), req.Chunks)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// DeleteDocument DELETE /documents/:doc
func (h *AdminHandler) DeleteDocument(c *gin.Context) {
	n, err := h.indexer.DeleteDocument(c.Request.Context(), c.GetString(TenantKey), c.Param("doc"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document_id": c.Param("doc"), "deleted": n})
}
