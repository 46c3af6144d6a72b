package testutil

import (
	"context"
	"sync"

	"github.com/qs3c/line_persona_bot/internal/model"
	"github.com/qs3c/line_persona_bot/internal/pkg/llm"
)

// FakeLineClient 记录所有出站调用
type FakeLineClient struct {
	mu       sync.Mutex
	Replies  map[string][]model.Message
	Pushes   map[string][][]model.Message
	Names    map[string]string
	ReplyErr error
	PushErr  error
	NameErr  error
}

func NewFakeLineClient() *FakeLineClient {
	return &FakeLineClient{
		Replies: make(map[string][]model.Message),
		Pushes:  make(map[string][][]model.Message),
		Names:   make(map[string]string),
	}
}

func (f *FakeLineClient) Reply(_ context.Context, replyToken string, msgs []model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReplyErr != nil {
		return f.ReplyErr
	}
	f.Replies[replyToken] = msgs
	return nil
}

func (f *FakeLineClient) Push(_ context.Context, to string, msgs []model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PushErr != nil {
		return f.PushErr
	}
	f.Pushes[to] = append(f.Pushes[to], msgs)
	return nil
}

func (f *FakeLineClient) DisplayName(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NameErr != nil {
		return "", f.NameErr
	}
	return f.Names[userID], nil
}

// ReplyFor 返回某个 reply token 收到的消息
func (f *FakeLineClient) ReplyFor(token string) ([]model.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs, ok := f.Replies[token]
	return msgs, ok
}

// PushCount 推送总次数
func (f *FakeLineClient) PushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.Pushes {
		n += len(p)
	}
	return n
}

// FakeCompleter 可编程的补全后端
type FakeCompleter struct {
	mu       sync.Mutex
	Response string
	Err      error
	Requests []llm.Request
}

func (f *FakeCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.Err != nil {
		return "", f.Err
	}
	return f.Response, nil
}

// Calls 被调用次数
func (f *FakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}
