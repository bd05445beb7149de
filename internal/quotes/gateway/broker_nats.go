package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

type NatsBroker struct {
	nc     *nats.Conn
	prefix string
}

// NewNatsBroker prefix 为空时用 papertrader
func NewNatsBroker(url, prefix string, opts ...nats.Option) (*NatsBroker, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "papertrader"
	}
	return &NatsBroker{nc: nc, prefix: prefix}, nil
}

func (b *NatsBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.nc.Publish(b.prefix+"."+topicToSubject(topic), payload)
}

func (b *NatsBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	out := make(chan Message, 8192)
	subs := make([]*nats.Subscription, 0, len(topics))

	// Unsubscribe 不等在途回调，关通道前用 done 挡住
	var (
		mu   sync.Mutex
		done bool
	)

	for _, t := range topics {
		subj := b.prefix + "." + topicToSubject(t) // 允许 quote:* 这种通配
		sub, err := b.nc.Subscribe(subj, func(m *nats.Msg) {
			msg := Message{
				Topic:   subjectToTopic(strings.TrimPrefix(m.Subject, b.prefix+".")),
				Payload: m.Data,
			}
			mu.Lock()
			defer mu.Unlock()
			if done {
				return
			}
			// at-most-once：慢消费者直接丢，避免把 NATS 回调卡死
			select {
			case out <- msg:
			default:
			}
		})
		if err != nil {
			for _, ss := range subs {
				_ = ss.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		mu.Lock()
		done = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

func (b *NatsBroker) Close() error {
	if b.nc != nil {
		_ = b.nc.Drain()
		b.nc.Close()
	}
	return nil
}

// 股票代码里有点号（TCS.NS），而点号是 NATS 的层级分隔符，先换成下划线
// quote:TCS.NS -> quote.TCS_NS ；quote:* -> quote.*
func topicToSubject(topic string) string {
	t := strings.ReplaceAll(topic, ".", "_")
	return strings.ReplaceAll(t, ":", ".")
}

func subjectToTopic(subj string) string {
	t := strings.ReplaceAll(subj, ".", ":")
	return strings.ReplaceAll(t, "_", ".")
}
