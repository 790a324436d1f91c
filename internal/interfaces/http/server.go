package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/interfaces/http/handlers"
	domainErrors "github.com/replyhub/replyhub/pkg/errors"
	"go.uber.org/zap"
)

// TenantHeader 运营端请求携带的租户 id
const TenantHeader = "X-Tenant-ID"

// Server HTTP服务器
type Server struct {
	server *http.Server
	router *gin.Engine
	logger *zap.Logger
}

// Config HTTP服务器配置
type Config struct {
	Host            string
	Port            int
	Mode            string // debug, release
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Deps 路由依赖
type Deps struct {
	Inbound       handlers.InboundSubmitter
	Conversations handlers.ConversationReader
	Handoff       handlers.HandoffCommands
	DeadLetters   handlers.DeadLetterInbox
	Credentials   handlers.CredentialWriter
	Indexer       handlers.DocumentIndexer
	// Realtime websocket 入口, 为空时不注册 /ws
	Realtime http.HandlerFunc
	// Metrics 为空时不注册 /metrics
	Metrics Metrics
}

// Metrics 请求指标与 Prometheus 输出
type Metrics interface {
	ObserveRequest(status int, d time.Duration)
	PrometheusHandler() http.Handler
}

// NewServer 创建HTTP服务器
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	logger = logger.With(zap.String("component", "http"))

	// 设置Gin模式
	if cfg.Mode == "production" || cfg.Mode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger, deps.Metrics))

	setupRoutes(router, deps, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	// websocket 连接是长连接, 不设置 WriteTimeout 时由 hub 自行控制写超时
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return &Server{
		server: server,
		router: router,
		logger: logger,
	}
}

// Handler 返回路由, 供测试使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动服务器, 阻塞直到 ctx 结束或监听失败
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
		return err
	case <-ctx.Done():
		return nil
	}
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(router *gin.Engine, deps Deps, logger *zap.Logger) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	webhook := handlers.NewWebhookHandler(deps.Inbound, logger)
	router.POST("/webhook/events", webhook.Events)

	if deps.Realtime != nil {
		router.GET("/ws", gin.WrapF(deps.Realtime))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.PrometheusHandler()))
	}

	conversations := handlers.NewConversationHandler(deps.Conversations, deps.Handoff, logger)
	deadLetters := handlers.NewDeadLetterHandler(deps.DeadLetters, logger)
	admin := handlers.NewAdminHandler(deps.Credentials, deps.Indexer, logger)

	// API版本1, 按租户隔离
	tenant := router.Group("/api/v1/tenants/:tenant", tenantScope())
	{
		tenant.GET("/conversations/:id", conversations.Get)
		tenant.POST("/conversations/:id/replies", conversations.Reply)
		tenant.PUT("/conversations/:id/autobot", conversations.AutoBot)
		tenant.POST("/conversations/:id/seen", conversations.Seen)

		tenant.GET("/deadletters", deadLetters.List)
		tenant.POST("/deadletters/:id/redeliver", deadLetters.Redeliver)

		tenant.PUT("/provider", admin.PutProvider)
		tenant.POST("/documents/:doc", admin.IndexDocument)
		tenant.DELETE("/documents/:doc", admin.DeleteDocument)
	}
}

// tenantScope 校验请求头租户与路径租户一致
func tenantScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader(TenantHeader))
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, handlers.ErrorResponse{
				Error: "missing " + TenantHeader + " header",
				Code:  string(domainErrors.CodeUnauthorized),
			})
			return
		}
		if entity.ValidateTenantID(header) != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, handlers.ErrorResponse{
				Error: entity.ErrInvalidTenantID.Error(),
				Code:  string(domainErrors.CodeInvalidInput),
			})
			return
		}
		if header != c.Param("tenant") {
			c.AbortWithStatusJSON(http.StatusForbidden, handlers.ErrorResponse{
				Error: "tenant header does not match the requested tenant",
				Code:  string(domainErrors.CodeForbidden),
			})
			return
		}
		c.Set(handlers.TenantKey, header)
		c.Next()
	}
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger, metrics Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		if metrics != nil {
			metrics.ObserveRequest(statusCode, latency)
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		}
		if tenant := c.GetString(handlers.TenantKey); tenant != "" {
			fields = append(fields, zap.String("tenant_id", tenant))
		}
		if statusCode >= http.StatusInternalServerError {
			logger.Warn("HTTP request", fields...)
			return
		}
		logger.Info("HTTP request", fields...)
	}
}
