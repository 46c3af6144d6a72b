package model

import "time"

// MessageKind 入站消息类型
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindOther MessageKind = "other"
)

// Event 由传输层解析出的一条入站消息
type Event struct {
	UserID     string      `json:"user_id"`
	Kind       MessageKind `json:"kind"`
	Text       string      `json:"text,omitempty"`
	ReplyToken string      `json:"reply_token,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
}

// ReplyType 出站消息类型
type ReplyType string

const (
	ReplyText    ReplyType = "text"
	ReplyConfirm ReplyType = "confirm"
	ReplySticker ReplyType = "sticker"
)

// MaxReplies 传输层单次最多接受的消息条数
const MaxReplies = 5

// Action 确认卡片上的按钮，点击后以 Text 作为用户消息发回
type Action struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

type Message struct {
	Type      ReplyType `json:"type"`
	Text      string    `json:"text,omitempty"`
	AltText   string    `json:"alt_text,omitempty"`
	Actions   []Action  `json:"actions,omitempty"`
	PackageID string    `json:"package_id,omitempty"`
	StickerID string    `json:"sticker_id,omitempty"`
}

func TextMessage(text string) Message {
	return Message{Type: ReplyText, Text: text}
}

func StickerMessage(packageID, stickerID string) Message {
	return Message{Type: ReplySticker, PackageID: packageID, StickerID: stickerID}
}

// Turn 对话历史中的一轮
type Turn struct {
	Role    string    `json:"role"` // user | assistant
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}
