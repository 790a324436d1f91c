package platform

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/service"
)

// TelegramSender 通过 Bot API 回复, 目的地的 page 部分是 bot 名
type TelegramSender struct {
	tokens   map[string]string
	client   *http.Client
	endpoint string

	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI
}

// NewTelegramSender tokens: bot 名 -> bot token
func NewTelegramSender(tokens map[string]string, client *http.Client) *TelegramSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &TelegramSender{
		tokens:   tokens,
		client:   client,
		endpoint: tgbotapi.APIEndpoint,
		bots:     make(map[string]*tgbotapi.BotAPI),
	}
}

// bot 首次使用时创建 (NewBotAPI 会调用 getMe 校验 token)
func (s *TelegramSender) bot(name string) (*tgbotapi.BotAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bots[name]; ok {
		return b, nil
	}
	token, ok := s.tokens[name]
	if !ok || token == "" {
		return nil, &service.DeliveryError{Platform: PlatformTelegram, Permanent: true, Message: "no bot token for " + name}
	}
	b, err := tgbotapi.NewBotAPIWithClient(token, s.endpoint, s.client)
	if err != nil {
		return nil, telegramError(err)
	}
	s.bots[name] = b
	return b, nil
}

// Send 实现 service.PlatformSender
func (s *TelegramSender) Send(ctx context.Context, msg service.OutboundMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &service.DeliveryError{Platform: PlatformTelegram, Cause: err}
	}
	_, name, _ := entity.ParseDestination(msg.DestinationChannelID)
	chatID, err := strconv.ParseInt(msg.ParticipantID, 10, 64)
	if err != nil {
		return "", &service.DeliveryError{Platform: PlatformTelegram, Permanent: true, Message: "invalid chat id " + msg.ParticipantID}
	}

	b, err := s.bot(name)
	if err != nil {
		return "", err
	}
	// tgbotapi 不接收 context, 截止时间由 http.Client 超时兜底
	sent, err := b.Send(tgbotapi.NewMessage(chatID, msg.Text))
	if err != nil {
		return "", telegramError(err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func telegramError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return &service.DeliveryError{
			Platform:   PlatformTelegram,
			StatusCode: apiErr.Code,
			Permanent:  classifyStatus(apiErr.Code),
			Message:    apiErr.Message,
		}
	}
	return &service.DeliveryError{Platform: PlatformTelegram, Cause: err}
}
