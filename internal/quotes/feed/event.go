package feed

import (
	"context"

	"papertrader.com/internal/quotes/source"
)

type Kind string

const (
	KindQuote Kind = "quote"
	KindBatch Kind = "batch"
	KindError Kind = "error"
)

// Event 推给某个连接的一条消息
type Event struct {
	Kind   Kind           `json:"type"`
	Topic  string         `json:"topic"`
	Seq    uint64         `json:"seq"` // 同一 feed 内单调递增，0 表示订阅时的首包
	Quote  *source.Quote  `json:"quote,omitempty"`
	Quotes []source.Quote `json:"quotes,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Sink 连接侧的出口。Push 在 feed 锁内调用，必须非阻塞
type Sink interface {
	Push(ev Event)
}

// SinkFunc 测试和简单场景用
type SinkFunc func(ev Event)

func (f SinkFunc) Push(ev Event) { f(ev) }

// TickObserver 每次成功的轮询结果（不含订阅首包）都会交给观察者，例如 broker、influx
type TickObserver interface {
	OnTick(ctx context.Context, topic string, quotes []source.Quote)
}
