// Package platform 出站消息平台适配器
package platform

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/service"
	"github.com/replyhub/replyhub/internal/infrastructure/config"
	"go.uber.org/zap"
)

// Router 按目的地的平台前缀选择发送器
type Router struct {
	mu      sync.RWMutex
	senders map[string]service.PlatformSender
	logger  *zap.Logger
}

// NewRouter 创建空路由
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		senders: make(map[string]service.PlatformSender),
		logger:  logger,
	}
}

// Register 绑定平台发送器, 同名覆盖
func (r *Router) Register(platform string, sender service.PlatformSender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[platform] = sender
}

// Platforms 已注册的平台
func (r *Router) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.senders))
	for p := range r.senders {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Send 实现 service.PlatformSender
func (r *Router) Send(ctx context.Context, msg service.OutboundMessage) (string, error) {
	platform, _, ok := entity.ParseDestination(msg.DestinationChannelID)
	if !ok {
		return "", &service.DeliveryError{
			Platform:  "unknown",
			Permanent: true,
			Message:   fmt.Sprintf("malformed destination %q", msg.DestinationChannelID),
		}
	}

	r.mu.RLock()
	sender, exists := r.senders[platform]
	r.mu.RUnlock()
	if !exists {
		return "", &service.DeliveryError{
			Platform:  platform,
			Permanent: true,
			Message:   "no sender configured",
		}
	}

	id, err := sender.Send(ctx, msg)
	if err != nil {
		r.logger.Warn("Platform send failed",
			zap.String("platform", platform),
			zap.String("tenant_id", msg.TenantID),
			zap.String("destination", msg.DestinationChannelID),
			zap.Error(err),
		)
		return "", err
	}
	return id, nil
}

// NewRouterFromConfig 注册配置中启用的平台
func NewRouterFromConfig(cfg config.PlatformsConfig, client *http.Client, logger *zap.Logger) *Router {
	r := NewRouter(logger.With(zap.String("component", "platform")))
	if len(cfg.Messenger.PageTokens) > 0 {
		r.Register(PlatformMessenger, NewMessengerSender(cfg.Messenger.GraphURL, cfg.Messenger.PageTokens, client))
	}
	if len(cfg.Telegram.Tokens) > 0 {
		r.Register(PlatformTelegram, NewTelegramSender(cfg.Telegram.Tokens, client))
	}
	if cfg.Discord.Token != "" {
		sender, err := NewDiscordSender(DiscordOpts{Token: cfg.Discord.Token})
		if err != nil {
			logger.Warn("Discord sender disabled", zap.Error(err))
		} else {
			r.Register(PlatformDiscord, sender)
		}
	}
	logger.Info("Platform senders ready", zap.Strings("platforms", r.Platforms()))
	return r
}

// classifyStatus 4xx (429 除外) 视为永久失败
func classifyStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}
