package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

// Publisher 事件发布接口（引擎依赖此接口）
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Bus 基于 watermill gochannel 的进程内事件总线（对外导出）
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewBus 创建事件总线
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewStdLogger(false, false),
	)
	return &Bus{pubsub: pubsub, logger: logger}
}

// Publish 发布事件，总线关闭后静默丢弃
func (b *Bus) Publish(_ context.Context, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set("event_type", string(event.Type))
	msg.Metadata.Set("run_id", event.RunID)
	msg.Metadata.Set("instance_id", event.InstanceID)
	msg.Metadata.Set("timestamp", event.Timestamp.Format(time.RFC3339Nano))

	if err := b.pubsub.Publish(string(event.Type), msg); err != nil {
		return fmt.Errorf("发布事件失败: %w", err)
	}
	return nil
}

// Subscribe 订阅一个或多个事件类型，ctx 结束时返回的 channel 关闭
func (b *Bus) Subscribe(ctx context.Context, types ...EventType) (<-chan *Event, error) {
	if len(types) == 0 {
		types = AllEventTypes
	}
	out := make(chan *Event, 64)
	var wg sync.WaitGroup
	for _, t := range types {
		messages, err := b.pubsub.Subscribe(ctx, string(t))
		if err != nil {
			return nil, fmt.Errorf("订阅 %s 失败: %w", t, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range messages {
				var event Event
				if err := json.Unmarshal(msg.Payload, &event); err != nil {
					b.logger.Warn("事件解析失败", zap.String("message_id", msg.UUID), zap.Error(err))
					msg.Ack()
					continue
				}
				msg.Ack()
				select {
				case out <- &event:
				case <-ctx.Done():
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// Close 关闭总线
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.pubsub.Close()
}

// 确保实现接口
var _ Publisher = (*Bus)(nil)
