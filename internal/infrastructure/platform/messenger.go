package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/service"
)

// 平台前缀, 与 ChannelConversationKey.Platform 一致
const (
	PlatformMessenger = "messenger"
	PlatformTelegram  = "telegram"
	PlatformDiscord   = "discord"
)

// MessengerSender 通过 Graph API Send 接口回复
type MessengerSender struct {
	graphURL   string
	pageTokens map[string]string
	client     *http.Client
}

// NewMessengerSender pageTokens: page id -> page access token
func NewMessengerSender(graphURL string, pageTokens map[string]string, client *http.Client) *MessengerSender {
	if graphURL == "" {
		graphURL = "https://graph.facebook.com/v19.0"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &MessengerSender{
		graphURL:   strings.TrimRight(graphURL, "/"),
		pageTokens: pageTokens,
		client:     client,
	}
}

type messengerRequest struct {
	Recipient     messengerRecipient `json:"recipient"`
	MessagingType string             `json:"messaging_type"`
	Message       messengerText      `json:"message"`
}

type messengerRecipient struct {
	ID string `json:"id"`
}

type messengerText struct {
	Text string `json:"text"`
}

type messengerResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
	Error       *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

// Send 实现 service.PlatformSender
func (s *MessengerSender) Send(ctx context.Context, msg service.OutboundMessage) (string, error) {
	_, pageID, _ := entity.ParseDestination(msg.DestinationChannelID)
	token, ok := s.pageTokens[pageID]
	if !ok || token == "" {
		return "", &service.DeliveryError{Platform: PlatformMessenger, Permanent: true, Message: "no page token for " + pageID}
	}

	body, err := json.Marshal(messengerRequest{
		Recipient:     messengerRecipient{ID: msg.ParticipantID},
		MessagingType: "RESPONSE",
		Message:       messengerText{Text: msg.Text},
	})
	if err != nil {
		return "", &service.DeliveryError{Platform: PlatformMessenger, Permanent: true, Cause: err}
	}

	endpoint := s.graphURL + "/me/messages?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &service.DeliveryError{Platform: PlatformMessenger, Permanent: true, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// 网络错误可重试; 不把带 token 的 URL 带进错误信息
		return "", &service.DeliveryError{Platform: PlatformMessenger, Message: "request failed", Cause: redactURLError(err)}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var out messengerResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode >= 300 {
		message := strings.TrimSpace(string(raw))
		if out.Error != nil {
			message = fmt.Sprintf("%s (code %d)", out.Error.Message, out.Error.Code)
		}
		return "", &service.DeliveryError{
			Platform:   PlatformMessenger,
			StatusCode: resp.StatusCode,
			Permanent:  classifyStatus(resp.StatusCode),
			Message:    message,
		}
	}
	return out.MessageID, nil
}

func redactURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}
