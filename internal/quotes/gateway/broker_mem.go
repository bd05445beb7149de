package gateway

import (
	"context"
	"strings"
	"sync"
)

type MemBroker struct {
	mu     sync.RWMutex
	subs   map[string][]chan Message
	buf    int
	closed bool
}

func NewMemBroker() *MemBroker {
	return &MemBroker{subs: make(map[string][]chan Message), buf: 4096}
}

func (b *MemBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	// 持读锁发送，保证不会往已关闭的通道写
	b.mu.RLock()
	defer b.mu.RUnlock()

	// fanout：at-most-once，慢订阅者直接丢
	msg := Message{Topic: topic, Payload: payload}
	b.fanout(b.subs[topic], msg)
	// trade:* 这类通配订阅，和 NATS/Kafka 的语义一致
	if kind, _, ok := strings.Cut(topic, ":"); ok {
		b.fanout(b.subs[kind+":*"], msg)
	}
	return nil
}

func (b *MemBroker) fanout(list []chan Message, msg Message) {
	for _, ch := range list {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (b *MemBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ch := make(chan Message, b.buf)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(ch, topics)
	}()
	return ch, nil
}

func (b *MemBroker) remove(ch chan Message, topics []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, t := range topics {
		list := b.subs[t]
		for i, c := range list {
			if c == ch {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(b.subs, t)
		} else {
			b.subs[t] = list
		}
	}
	close(ch)
}

func (b *MemBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	seen := make(map[chan Message]struct{})
	for _, list := range b.subs {
		for _, ch := range list {
			if _, ok := seen[ch]; !ok {
				seen[ch] = struct{}{}
				close(ch)
			}
		}
	}
	b.subs = map[string][]chan Message{}
	return nil
}

func (b *MemBroker) topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
