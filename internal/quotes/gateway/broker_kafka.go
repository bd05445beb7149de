package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"papertrader.com/pkg/logger"
)

type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaBroker 每类事件一个 kafka topic（papertrader.quote / papertrader.trade），股票代码做 key，
// 保证同一只股票落同一分区、顺序不乱
type KafkaBroker struct {
	prefix    string
	w         KafkaWriter
	newReader func(topic string) KafkaReader
}

func NewKafkaBroker(brokers []string, prefix string) *KafkaBroker {
	if prefix == "" {
		prefix = "papertrader"
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
		// 行情量小，攒 10ms 一批即可
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn(context.Background(), "kafka write failed", zap.Int("msgs", len(msgs)), zap.Error(err))
			}
		},
	}
	return &KafkaBroker{
		prefix: prefix,
		w:      w,
		newReader: func(topic string) KafkaReader {
			// 每个订阅单独一个 group，拿到全部分区，语义和 NATS 扇出一致
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:     brokers,
				Topic:       topic,
				GroupID:     prefix + "-" + uuid.NewString(),
				StartOffset: kafka.LastOffset,
				MinBytes:    1,
				MaxBytes:    10e6,
				MaxWait:     200 * time.Millisecond,
			})
		},
	}
}

// splitTopic quote:TCS.NS -> (quote, TCS.NS)
func splitTopic(topic string) (kind, key string) {
	kind, key, ok := strings.Cut(topic, ":")
	if !ok {
		return topic, ""
	}
	return kind, key
}

func (b *KafkaBroker) kafkaTopic(kind string) string { return b.prefix + "." + kind }

func (b *KafkaBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	kind, key := splitTopic(topic)
	return b.w.WriteMessages(ctx, kafka.Message{
		Topic: b.kafkaTopic(kind),
		Key:   []byte(key),
		Value: payload,
	})
}

// Subscribe 同类 topic 共用一个 reader，按 key 过滤；key 为 * 表示全收
func (b *KafkaBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	want := make(map[string]map[string]bool)
	for _, t := range topics {
		kind, key := splitTopic(t)
		if want[kind] == nil {
			want[kind] = make(map[string]bool)
		}
		want[kind][key] = true
	}

	out := make(chan Message, 8192)
	var wg sync.WaitGroup
	for kind, keys := range want {
		r := b.newReader(b.kafkaTopic(kind))
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.Close()
			for {
				m, err := r.ReadMessage(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.Warn(ctx, "kafka read failed", zap.String("kind", kind), zap.Error(err))
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
					continue
				}
				key := string(m.Key)
				if !keys["*"] && !keys[key] {
					continue
				}
				select {
				case out <- Message{Topic: kind + ":" + key, Payload: m.Value}:
				default:
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

func (b *KafkaBroker) Close() error { return b.w.Close() }
