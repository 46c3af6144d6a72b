// Package llm talks to the text-completion backend and keeps the
// process-wide circuit breaker that guards it.
package llm

import (
	"context"
	"errors"
)

// ErrRateLimited 上游返回 429，调用方应打开熔断
var ErrRateLimited = errors.New("llm: rate limited")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Request 一次补全请求：人设指令 + 有限的历史 + 本轮输入
type Request struct {
	System  string
	History []Message
	Input   string
}

// Completer 抽象补全后端，便于测试替换
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}
