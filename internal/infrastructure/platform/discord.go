package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/replyhub/replyhub/internal/domain/service"
)

// discordSession 抽象用到的 REST 方法, 便于测试注入
type discordSession interface {
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordOpts Discord 发送器参数
type DiscordOpts struct {
	Token   string
	Session discordSession // 测试注入
}

// DiscordSender 以私信回复客户, 只使用 REST 接口, 不建立 Gateway 连接
type DiscordSender struct {
	sess discordSession

	mu  sync.Mutex
	dms map[string]string // user id -> DM channel id
}

// NewDiscordSender 创建 Discord 发送器
func NewDiscordSender(opts DiscordOpts) (*DiscordSender, error) {
	sess := opts.Session
	if sess == nil {
		if opts.Token == "" {
			return nil, fmt.Errorf("discord: bot token is required")
		}
		dg, err := discordgo.New("Bot " + opts.Token)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		sess = dg
	}
	return &DiscordSender{sess: sess, dms: make(map[string]string)}, nil
}

// Send 实现 service.PlatformSender
func (s *DiscordSender) Send(ctx context.Context, msg service.OutboundMessage) (string, error) {
	channelID, err := s.dmChannel(ctx, msg.ParticipantID)
	if err != nil {
		return "", err
	}
	sent, err := s.sess.ChannelMessageSend(channelID, msg.Text, discordgo.WithContext(ctx))
	if err != nil {
		return "", discordError(err)
	}
	return sent.ID, nil
}

func (s *DiscordSender) dmChannel(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	id, ok := s.dms[userID]
	s.mu.Unlock()
	if ok {
		return id, nil
	}
	ch, err := s.sess.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", discordError(err)
	}
	s.mu.Lock()
	s.dms[userID] = ch.ID
	s.mu.Unlock()
	return ch.ID, nil
}

func discordError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		msg := ""
		if restErr.Message != nil {
			msg = restErr.Message.Message
		}
		return &service.DeliveryError{
			Platform:   PlatformDiscord,
			StatusCode: restErr.Response.StatusCode,
			Permanent:  classifyStatus(restErr.Response.StatusCode),
			Message:    msg,
		}
	}
	return &service.DeliveryError{Platform: PlatformDiscord, Cause: err}
}
