package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"papertrader.com/internal/quotes/feed"
)

var ErrClosed = errors.New("session closed")

// Mux 会话依赖的多路复用器能力
type Mux interface {
	Normalize(topic string) (string, error)
	Subscribe(ctx context.Context, connID, topic string, sink feed.Sink) (string, error)
	Unsubscribe(connID, topic string)
	OnDisconnect(connID string)
}

// Session 一个传输连接对应一个会话，自己记录订阅了哪些 topic
type Session struct {
	id   string
	mux  Mux
	sink feed.Sink

	mu      sync.Mutex
	symbols map[string]struct{}
	closed  atomic.Bool
}

func New(id string, mux Mux, sink feed.Sink) *Session {
	return &Session{id: id, mux: mux, sink: sink, symbols: make(map[string]struct{}, 8)}
}

func (s *Session) ID() string { return s.id }

// Subscribe 返回规范 topic
func (s *Session) Subscribe(ctx context.Context, symbol string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return "", ErrClosed
	}
	topic, err := s.mux.Subscribe(ctx, s.id, symbol, s)
	if err != nil {
		return "", err
	}
	s.symbols[topic] = struct{}{}
	return topic, nil
}

func (s *Session) Unsubscribe(symbol string) {
	topic, err := s.mux.Normalize(symbol)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[topic]; !ok {
		return
	}
	s.mux.Unsubscribe(s.id, topic)
	delete(s.symbols, topic)
}

// Close 退订全部，可重复调用
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Swap(true) {
		return
	}
	s.mux.OnDisconnect(s.id)
	s.symbols = make(map[string]struct{})
}

// Push 关闭后静默丢弃
func (s *Session) Push(ev feed.Event) {
	if s.closed.Load() {
		return
	}
	s.sink.Push(ev)
}

func (s *Session) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.symbols))
	for t := range s.symbols {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Len 当前订阅数
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.symbols)
}

func (s *Session) Closed() bool { return s.closed.Load() }
