package redisx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/theoriahq/theoria-backend/internal/platform/logger"
)

// TaskEvent is a progress notification published while a pipeline run
// advances. Consumers poll the task status endpoint; the bus exists so
// multiple API replicas can fan events out without sharing memory.
type TaskEvent struct {
	TaskID   string  `json:"task_id"`
	Status   string  `json:"status"`
	Stage    string  `json:"stage,omitempty"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
	At       int64   `json:"at"`
}

type TaskBus interface {
	Publish(ctx context.Context, ev TaskEvent) error
	Subscribe(ctx context.Context, taskID string) (<-chan TaskEvent, func(), error)
}

const taskChannelPrefix = "theoria:task:"

type redisTaskBus struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewTaskBus(log *logger.Logger, rdb *goredis.Client) (TaskBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	return &redisTaskBus{log: log.With("service", "TaskBus"), rdb: rdb}, nil
}

func (b *redisTaskBus) Publish(ctx context.Context, ev TaskEvent) error {
	if ev.TaskID == "" {
		return fmt.Errorf("task id required")
	}
	if ev.At == 0 {
		ev.At = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal task event: %w", err)
	}
	return b.rdb.Publish(ctx, taskChannelPrefix+ev.TaskID, payload).Err()
}

func (b *redisTaskBus) Subscribe(ctx context.Context, taskID string) (<-chan TaskEvent, func(), error) {
	if taskID == "" {
		return nil, nil, fmt.Errorf("task id required")
	}
	sub := b.rdb.Subscribe(ctx, taskChannelPrefix+taskID)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe task events: %w", err)
	}

	out := make(chan TaskEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev TaskEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn("drop malformed task event", "task_id", taskID, "error", err)
					continue
				}
				select {
				case out <- ev:
				default:
					// Slow consumer; drop rather than block the pump.
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, cancel, nil
}

// LocalTaskBus is an in-process TaskBus for redis-less deployments and tests.
type LocalTaskBus struct {
	mu   sync.Mutex
	subs map[string][]chan TaskEvent
}

func NewLocalTaskBus() *LocalTaskBus {
	return &LocalTaskBus{subs: map[string][]chan TaskEvent{}}
}

func (b *LocalTaskBus) Publish(ctx context.Context, ev TaskEvent) error {
	if ev.TaskID == "" {
		return fmt.Errorf("task id required")
	}
	if ev.At == 0 {
		ev.At = time.Now().UnixMilli()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ev.TaskID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *LocalTaskBus) Subscribe(ctx context.Context, taskID string) (<-chan TaskEvent, func(), error) {
	if taskID == "" {
		return nil, nil, fmt.Errorf("task id required")
	}
	ch := make(chan TaskEvent, 16)
	b.mu.Lock()
	b.subs[taskID] = append(b.subs[taskID], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			chans := b.subs[taskID]
			for i, c := range chans {
				if c == ch {
					b.subs[taskID] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
	return ch, cancel, nil
}
