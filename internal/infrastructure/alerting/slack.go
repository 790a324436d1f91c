// Package alerting 运营告警 (Slack / 日志)
package alerting

import (
	"context"
	"fmt"

	"github.com/replyhub/replyhub/internal/domain/service"
	"github.com/replyhub/replyhub/internal/infrastructure/config"
	slackapi "github.com/slack-go/slack"
	"go.uber.org/zap"
)

// slackPoster 抽象用到的 Slack 方法, 便于测试注入
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackNotifier 把告警发到租户对应的 Slack 频道
type SlackNotifier struct {
	client         slackPoster
	defaultChannel string
	tenantChannels map[string]string
}

// NewSlackNotifier 创建 Slack 告警
func NewSlackNotifier(cfg config.SlackConfig, client slackPoster) (*SlackNotifier, error) {
	if client == nil {
		if cfg.Token == "" {
			return nil, fmt.Errorf("slack: token is required")
		}
		client = slackapi.New(cfg.Token)
	}
	return &SlackNotifier{
		client:         client,
		defaultChannel: cfg.DefaultChannel,
		tenantChannels: cfg.TenantChannels,
	}, nil
}

func (n *SlackNotifier) channelFor(tenantID string) string {
	if ch, ok := n.tenantChannels[tenantID]; ok && ch != "" {
		return ch
	}
	return n.defaultChannel
}

// Notify 实现 service.OperatorNotifier
func (n *SlackNotifier) Notify(ctx context.Context, alert service.Alert) error {
	channel := n.channelFor(alert.TenantID)
	if channel == "" {
		return fmt.Errorf("slack: no channel for tenant %s", alert.TenantID)
	}

	fields := []slackapi.AttachmentField{
		{Title: "Tenant", Value: alert.TenantID, Short: true},
	}
	if alert.ConversationID != "" {
		fields = append(fields, slackapi.AttachmentField{Title: "Conversation", Value: alert.ConversationID, Short: true})
	}
	attachment := slackapi.Attachment{
		Color:  colorFor(alert.Kind),
		Title:  alert.Summary,
		Text:   alert.Detail,
		Fields: fields,
	}

	_, _, err := n.client.PostMessageContext(ctx, channel,
		slackapi.MsgOptionText(fmt.Sprintf("[%s] %s", alert.Kind, alert.Summary), false),
		slackapi.MsgOptionAttachments(attachment),
	)
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func colorFor(kind service.AlertKind) string {
	switch kind {
	case service.AlertDeadLettered, service.AlertGenerationFailed:
		return "danger"
	default:
		return "warning"
	}
}

// LogNotifier 未配置 Slack 时的告警落地
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志告警
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify 实现 service.OperatorNotifier
func (n *LogNotifier) Notify(_ context.Context, alert service.Alert) error {
	n.logger.Warn("Operator alert",
		zap.String("kind", string(alert.Kind)),
		zap.String("tenant_id", alert.TenantID),
		zap.String("conversation_id", alert.ConversationID),
		zap.String("summary", alert.Summary),
		zap.String("detail", alert.Detail),
	)
	return nil
}

// New 按配置选择告警实现, Slack 失败时仍写日志
func New(cfg config.AlertingConfig, logger *zap.Logger) service.OperatorNotifier {
	logN := NewLogNotifier(logger.With(zap.String("component", "alerting")))
	if cfg.Slack.Token == "" {
		return logN
	}
	slackN, err := NewSlackNotifier(cfg.Slack, nil)
	if err != nil {
		logger.Warn("Slack alerting disabled", zap.Error(err))
		return logN
	}
	return Fanout{slackN, logN}
}

// Fanout 依次通知每个实现, 返回第一个错误
type Fanout []service.OperatorNotifier

// Notify 实现 service.OperatorNotifier
func (f Fanout) Notify(ctx context.Context, alert service.Alert) error {
	var first error
	for _, n := range f {
		if err := n.Notify(ctx, alert); err != nil && first == nil {
			first = err
		}
	}
	return first
}
