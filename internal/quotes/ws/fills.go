package ws

import (
	"context"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"papertrader.com/internal/quotes/gateway"
	"papertrader.com/internal/quotes/wsmetrics"
	"papertrader.com/pkg/logger"
)

// RelayFills 订阅 broker 上的 trade:*，推给下单用户当前在线的连接（成交可能发生在别的实例）。
// ctx 结束后 broker 关闭通道，协程退出，Wait 会等它。
func (s *Server) RelayFills(ctx context.Context, b gateway.Broker) error {
	ch, err := b.Subscribe(ctx, []string{gateway.TradeTopicPrefix + "*"})
	if err != nil {
		return err
	}
	s.active.Add(1)
	go func() {
		defer s.active.Done()
		for msg := range ch {
			s.deliverFill(ctx, msg)
		}
	}()
	return nil
}

func (s *Server) deliverFill(ctx context.Context, msg gateway.Message) {
	var head struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(msg.Payload, &head); err != nil || head.UserID == "" {
		wsmetrics.DroppedTotal.WithLabelValues("bad_fill").Inc()
		logger.Debug(ctx, "drop malformed trade event", zap.String("topic", msg.Topic), zap.Error(err))
		return
	}
	conns := s.connsOf(head.UserID)
	if len(conns) == 0 {
		return
	}
	b, err := encodeFill(FillMsg{Type: "fill", Topic: msg.Topic, Trade: msg.Payload})
	if err != nil {
		wsmetrics.DroppedTotal.WithLabelValues("encode").Inc()
		return
	}
	// 成交回报不能合并，走有序的控制队列
	for _, c := range conns {
		c.sendControl(b)
	}
}

func (s *Server) attach(c *Conn) {
	if c.user == "" {
		return
	}
	s.usersMu.Lock()
	set := s.users[c.user]
	if set == nil {
		set = make(map[*Conn]struct{}, 1)
		s.users[c.user] = set
	}
	set[c] = struct{}{}
	s.usersMu.Unlock()
}

func (s *Server) detach(c *Conn) {
	if c.user == "" {
		return
	}
	s.usersMu.Lock()
	if set := s.users[c.user]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(s.users, c.user)
		}
	}
	s.usersMu.Unlock()
}

func (s *Server) connsOf(user string) []*Conn {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	set := s.users[user]
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
