package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/qs3c/line_persona_bot/config"
	"github.com/qs3c/line_persona_bot/internal/model"
	"github.com/qs3c/line_persona_bot/internal/pkg/line"
)

var (
	ErrQueueFull = errors.New("dispatch queue is full")
	ErrStopped   = errors.New("dispatcher stopped")
)

// Handler 把一条入站消息变成回复
type Handler interface {
	Handle(ctx context.Context, ev model.Event) []model.Message
}

// Dispatcher 按用户哈希到固定 worker，同一用户的消息在进程内按到达顺序处理
type Dispatcher struct {
	handler       Handler
	lineClient    line.Client
	queues        []chan model.Event
	handleTimeout time.Duration

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatcher(handler Handler, lineClient line.Client, cfg config.DispatchConfig) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	timeout := cfg.HandleTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	queues := make([]chan model.Event, workers)
	for i := range queues {
		queues[i] = make(chan model.Event, size)
	}
	return &Dispatcher{
		handler:       handler,
		lineClient:    lineClient,
		queues:        queues,
		handleTimeout: timeout,
	}
}

// Start 启动所有 worker；ctx 只用于派生每条消息的处理上下文
func (d *Dispatcher) Start(ctx context.Context) {
	for i, q := range d.queues {
		d.wg.Add(1)
		go func(workerID int, q chan model.Event) {
			defer d.wg.Done()
			for ev := range q {
				d.process(ctx, workerID, ev)
			}
		}(i, q)
	}
	log.Info().Int("workers", len(d.queues)).Msg("dispatcher started")
}

// Enqueue 不阻塞；队列满时返回 ErrQueueFull
func (d *Dispatcher) Enqueue(ev model.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}

	q := d.queues[xxhash.Sum64String(ev.UserID)%uint64(len(d.queues))]
	select {
	case q <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop 停止接收新消息并等待已入队的消息处理完
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	d.wg.Wait()
	log.Info().Msg("dispatcher stopped")
}

func (d *Dispatcher) process(parent context.Context, workerID int, ev model.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.handleTimeout)
	defer cancel()

	start := time.Now()
	replies := d.handler.Handle(ctx, ev)
	if len(replies) == 0 {
		return
	}

	var err error
	if ev.ReplyToken != "" {
		err = d.lineClient.Reply(ctx, ev.ReplyToken, replies)
	} else {
		err = d.lineClient.Push(ctx, ev.UserID, replies)
	}
	// 投递失败只记录，状态已经写入
	if err != nil {
		log.Error().Err(err).Int("worker", workerID).Str("user_id", ev.UserID).Msg("deliver reply failed")
		return
	}
	log.Debug().
		Int("worker", workerID).
		Str("user_id", ev.UserID).
		Int("messages", len(replies)).
		Dur("elapsed", time.Since(start)).
		Msg("reply delivered")
}
