package events

import (
	"context"
	"sync"
)

// MemoryPublisher 在内存中保留最近的事件并向订阅者推送。
type MemoryPublisher struct {
	mu       sync.RWMutex
	capacity int
	recent   []Message
	subs     map[int]chan Message
	nextSub  int
	closed   bool
}

// NewMemoryPublisher 创建内存发布者，capacity 为保留的最近事件数。
func NewMemoryPublisher(capacity int) *MemoryPublisher {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryPublisher{capacity: capacity, subs: make(map[int]chan Message)}
}

// Publish 实现 Publisher。慢订阅者会丢弃消息而不是阻塞金库。
func (p *MemoryPublisher) Publish(_ context.Context, messages []Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.recent = append(p.recent, messages...)
	if over := len(p.recent) - p.capacity; over > 0 {
		p.recent = append([]Message(nil), p.recent[over:]...)
	}
	for _, ch := range p.subs {
		for _, m := range messages {
			select {
			case ch <- m:
			default:
			}
		}
	}
	return nil
}

// Recent 返回 seq 大于 after 的最近事件，最多 limit 条。
func (p *MemoryPublisher) Recent(after uint64, limit int) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, 0)
	for _, m := range p.recent {
		if m.Seq <= after {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Subscribe 订阅新事件，返回的函数用于取消订阅。
func (p *MemoryPublisher) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Message, buffer)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(ch)
		return ch, func() {}
	}
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if sub, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(sub)
			}
		})
	}
}

// Close 关闭所有订阅。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
	return nil
}
