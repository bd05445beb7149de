package gateway

import "context"

type Message struct {
	Topic   string
	Payload []byte
}

// Broker 行情/成交事件的扇出通道；单机用内存，多机用 NATS
// topic 形如 quote:TCS.NS、trade:TCS.NS
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// 订阅；ctx 结束后通道关闭
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}
