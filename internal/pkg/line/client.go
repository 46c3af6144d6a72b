// Package line adapts the LINE Messaging API to the bot's transport-neutral
// message model.
package line

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/qs3c/line_persona_bot/internal/model"
)

// ErrInvalidSignature webhook 签名校验失败
var ErrInvalidSignature = errors.New("line: invalid signature")

// Client 机器人对 LINE 的全部出站调用
type Client interface {
	Reply(ctx context.Context, replyToken string, msgs []model.Message) error
	Push(ctx context.Context, to string, msgs []model.Message) error
	DisplayName(ctx context.Context, userID string) (string, error)
}

type APIClient struct {
	api *messaging_api.MessagingApiAPI
}

// NewClient endpoint 为空时使用官方地址
func NewClient(channelToken, endpoint string) (*APIClient, error) {
	opts := []messaging_api.MessagingApiAPIOption{
		messaging_api.WithHTTPClient(&http.Client{Timeout: 10 * time.Second}),
	}
	if endpoint != "" {
		opts = append(opts, messaging_api.WithEndpoint(endpoint))
	}
	api, err := messaging_api.NewMessagingApiAPI(channelToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("create messaging api client: %w", err)
	}
	return &APIClient{api: api}, nil
}

func (c *APIClient) Reply(ctx context.Context, replyToken string, msgs []model.Message) error {
	_, err := c.api.WithContext(ctx).ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   ToLineMessages(msgs),
	})
	if err != nil {
		return fmt.Errorf("reply message: %w", err)
	}
	return nil
}

func (c *APIClient) Push(ctx context.Context, to string, msgs []model.Message) error {
	_, err := c.api.WithContext(ctx).PushMessage(&messaging_api.PushMessageRequest{
		To:       to,
		Messages: ToLineMessages(msgs),
	}, "")
	if err != nil {
		return fmt.Errorf("push message: %w", err)
	}
	return nil
}

func (c *APIClient) DisplayName(ctx context.Context, userID string) (string, error) {
	profile, err := c.api.WithContext(ctx).GetProfile(userID)
	if err != nil {
		return "", fmt.Errorf("get profile: %w", err)
	}
	return profile.DisplayName, nil
}

// ToLineMessages 转换为 SDK 消息，最多 model.MaxReplies 条
func ToLineMessages(msgs []model.Message) []messaging_api.MessageInterface {
	if len(msgs) > model.MaxReplies {
		msgs = msgs[:model.MaxReplies]
	}
	out := make([]messaging_api.MessageInterface, 0, len(msgs))
	for _, m := range msgs {
		switch m.Type {
		case model.ReplySticker:
			out = append(out, &messaging_api.StickerMessage{
				PackageId: m.PackageID,
				StickerId: m.StickerID,
			})
		case model.ReplyConfirm:
			actions := make([]messaging_api.ActionInterface, 0, len(m.Actions))
			for _, a := range m.Actions {
				actions = append(actions, &messaging_api.MessageAction{Label: a.Label, Text: a.Text})
			}
			out = append(out, &messaging_api.TemplateMessage{
				AltText: m.AltText,
				Template: &messaging_api.ConfirmTemplate{
					Text:    m.Text,
					Actions: actions,
				},
			})
		default:
			out = append(out, &messaging_api.TextMessage{Text: m.Text})
		}
	}
	return out
}

// ParseEvents 校验签名并提取 1:1 聊天中的消息事件，其他事件忽略
func ParseEvents(channelSecret string, r *http.Request) ([]model.Event, error) {
	cb, err := webhook.ParseRequest(channelSecret, r)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			return nil, ErrInvalidSignature
		}
		return nil, fmt.Errorf("parse webhook: %w", err)
	}

	events := make([]model.Event, 0, len(cb.Events))
	for _, ev := range cb.Events {
		e, ok := ev.(webhook.MessageEvent)
		if !ok {
			continue
		}
		src, ok := e.Source.(webhook.UserSource)
		if !ok || src.UserId == "" {
			continue
		}

		out := model.Event{
			UserID:     src.UserId,
			ReplyToken: e.ReplyToken,
			ReceivedAt: time.UnixMilli(e.Timestamp),
			Kind:       model.KindOther,
		}
		switch msg := e.Message.(type) {
		case webhook.TextMessageContent:
			out.Kind = model.KindText
			out.Text = msg.Text
		case webhook.ImageMessageContent:
			out.Kind = model.KindImage
		}
		events = append(events, out)
	}
	return events, nil
}
