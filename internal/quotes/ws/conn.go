package ws

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"papertrader.com/internal/quotes/feed"
	"papertrader.com/internal/quotes/session"
	"papertrader.com/internal/quotes/wsmetrics"
	"papertrader.com/pkg/common"
	"papertrader.com/pkg/logger"
	"papertrader.com/pkg/xerr"
)

// Conn 一个 websocket 连接的出口：行情按 topic 只保留最新一条，控制消息按顺序排队
type Conn struct {
	id   string
	user string // X-User-Id，成交回报按它路由；匿名连接只看行情
	ws   *websocket.Conn

	mu      sync.Mutex
	latest  map[string][]byte // LatestOnly：topic -> last payload
	control [][]byte
	notify  chan struct{} // 缓冲 1：合并唤醒
	closed  atomic.Bool
}

func NewConn(id string, ws *websocket.Conn) *Conn {
	return &Conn{
		id:     id,
		ws:     ws,
		latest: make(map[string][]byte, 16),
		notify: make(chan struct{}, 1),
	}
}

func (c *Conn) ID() string { return c.id }

// Push 实现 feed.Sink；在 feed 锁内被调用，只做编码和入队
func (c *Conn) Push(ev feed.Event) {
	if c.closed.Load() {
		return
	}
	b, err := encodeEvent(ev)
	if err != nil {
		wsmetrics.DroppedTotal.WithLabelValues("encode").Inc()
		return
	}
	c.Offer(ev.Topic, b)
}

func (c *Conn) Offer(topic string, payload []byte) bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	if _, ok := c.latest[topic]; ok {
		wsmetrics.DroppedTotal.WithLabelValues("coalesced").Inc()
	}
	c.latest[topic] = payload
	c.mu.Unlock()
	c.wake()
	return true
}

// discard 丢掉某个 topic 还没写出去的行情
func (c *Conn) discard(topic string) {
	c.mu.Lock()
	if _, ok := c.latest[topic]; ok {
		delete(c.latest, topic)
		wsmetrics.DroppedTotal.WithLabelValues("unsubscribed").Inc()
	}
	c.mu.Unlock()
}

func (c *Conn) sendControl(payload []byte) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	c.control = append(c.control, payload)
	c.mu.Unlock()
	c.wake()
}

func (c *Conn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// flush 先控制消息再行情；单次最多 max 条，剩下的留给下一轮
func (c *Conn) flush(max int) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := min(len(c.control)+len(c.latest), max)
	if n == 0 {
		return nil
	}
	out := make([][]byte, 0, n)
	k := min(len(c.control), max)
	out = append(out, c.control[:k]...)
	c.control = c.control[k:]
	for topic, v := range c.latest {
		if len(out) >= max {
			break
		}
		out = append(out, v)
		delete(c.latest, topic)
	}
	if len(c.control) > 0 || len(c.latest) > 0 {
		c.wake()
	}
	return out
}

type Server struct {
	Mux      session.Mux
	Upgrader websocket.Upgrader
	ctx      context.Context

	PongWait   time.Duration
	PingPeriod time.Duration
	PingJitter time.Duration
	WriteWait  time.Duration
	ReadLimit  int64
	MaxTopics  int // 单连接最多订阅数，控制上游压力

	usersMu sync.Mutex
	users   map[string]map[*Conn]struct{}

	active sync.WaitGroup
}

func NewServer(ctx context.Context, mux session.Mux) *Server {
	return &Server{
		Mux: mux,
		ctx: ctx,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // 鉴权在网关，Origin 不在这里卡
		},
		PongWait:   60 * time.Second,
		PingPeriod: 30 * time.Second,
		PingJitter: 100 * time.Millisecond,
		WriteWait:  5 * time.Second,
		ReadLimit:  4 << 10,
		MaxTopics:  64,
		users:      make(map[string]map[*Conn]struct{}),
	}
}

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(r.Context(), "ws upgrade failed", zap.Error(err))
		return
	}
	c := NewConn(uuid.NewString(), wsConn)
	c.user = strings.TrimSpace(r.Header.Get(common.HeaderUserID))
	sess := session.New(c.id, s.Mux, c)
	s.attach(c)
	wsmetrics.OnOpen()

	s.active.Add(2)
	go func() {
		defer s.active.Done()
		s.writePump(c)
	}()
	go func() {
		defer s.active.Done()
		s.readPump(c, sess)
	}()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.ServeWS(w, r) }

// Wait 等所有连接的读写协程退出（ctx 取消后调用）
func (s *Server) Wait() { s.active.Wait() }

func (s *Server) readPump(c *Conn, sess *session.Session) {
	closeCode, reason := websocket.CloseNormalClosure, "eof"
	defer func() {
		c.closed.Store(true)
		s.detach(c)
		sess.Close()
		_ = c.ws.Close()
		wsmetrics.OnClose(closeCode, reason)
	}()

	c.ws.SetReadLimit(s.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.PongWait))
	c.ws.SetPongHandler(func(string) error {
		wsmetrics.PongRecvTotal.Inc()
		return c.ws.SetReadDeadline(time.Now().Add(s.PongWait))
	})

	// ctx 取消时让阻塞的 ReadMessage 立刻返回
	stop := context.AfterFunc(s.ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	ctx := logger.WithRequestID(s.ctx, c.id)
	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			var ne net.Error
			switch {
			case errors.As(err, &ce):
				closeCode, reason = ce.Code, "client_close"
			case errors.As(err, &ne) && ne.Timeout():
				closeCode, reason = websocket.CloseGoingAway, "timeout"
				if s.ctx.Err() == nil {
					wsmetrics.PongTimeoutTotal.Inc()
				}
			default:
				closeCode, reason = websocket.CloseAbnormalClosure, "read_error"
			}
			logger.Debug(ctx, "ws read stopped", zap.String("conn", c.id), zap.String("reason", reason), zap.Error(err))
			return
		}
		msg, err := decodeClient(b)
		if err != nil {
			c.sendControl(encodeAck(AckMsg{Type: "error", Error: "bad message"}))
			continue
		}
		s.handle(ctx, c, sess, msg)
	}
}

func (s *Server) handle(ctx context.Context, c *Conn, sess *session.Session, msg ClientMsg) {
	switch msg.Type {
	case "sub":
		wsmetrics.SubOpsTotal.WithLabelValues("sub").Inc()
		ok := make([]string, 0, len(msg.Topics))
		for _, t := range msg.Topics {
			if s.MaxTopics > 0 && sess.Len() >= s.MaxTopics {
				c.sendControl(encodeAck(AckMsg{Type: "error", Topic: t, Error: "too many subscriptions"}))
				continue
			}
			topic, err := sess.Subscribe(ctx, t)
			if err != nil {
				c.sendControl(encodeAck(AckMsg{Type: "error", Topic: t, Error: xerr.MapErrMsg(xerr.Code(err))}))
				continue
			}
			ok = append(ok, topic)
		}
		if len(ok) > 0 {
			c.sendControl(encodeAck(AckMsg{Type: "subscribed", Topics: ok}))
		}
	case "unsub":
		wsmetrics.SubOpsTotal.WithLabelValues("unsub").Inc()
		for _, t := range msg.Topics {
			sess.Unsubscribe(t)
			// Unsubscribe 返回后不会再有新推送，把已排队的也清掉，回执之后不能再出现这个 topic
			if topic, err := s.Mux.Normalize(t); err == nil {
				c.discard(topic)
			}
		}
		c.sendControl(encodeAck(AckMsg{Type: "unsubscribed", Topics: msg.Topics}))
	default:
		c.sendControl(encodeAck(AckMsg{Type: "error", Error: "unknown type " + msg.Type}))
	}
}

const maxFlush = 256 // 单次最多写多少条，防止订阅 topic 极多时一次写爆

func (s *Server) writePump(c *Conn) {
	// 随机错开 ping，避免所有连接同一时刻发
	if s.PingJitter > 0 {
		t := time.NewTimer(time.Duration(rand.Int63n(int64(s.PingJitter))))
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			_ = c.ws.Close()
			return
		}
	}

	ticker := time.NewTicker(s.PingPeriod)
	defer func() {
		ticker.Stop()
		c.closed.Store(true)
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.notify:
			if c.closed.Load() {
				return
			}
			batch := c.flush(maxFlush)
			if len(batch) == 0 {
				continue
			}
			if err := s.writeBatch(c, batch); err != nil {
				logger.Debug(s.ctx, "ws write failed", zap.String("conn", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(s.WriteWait)); err != nil {
				wsmetrics.PingErrorsTotal.Inc()
				return
			}
			wsmetrics.PingSentTotal.Inc()
		case <-s.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(s.WriteWait))
			return
		}
	}
}

// writeBatch 每条消息一个 text frame；一次 flush 内共用写超时
func (s *Server) writeBatch(c *Conn, batch [][]byte) error {
	start := time.Now()
	_ = c.ws.SetWriteDeadline(start.Add(s.WriteWait))
	var (
		bytes int
		err   error
	)
	for _, payload := range batch {
		if err = c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			break
		}
		bytes += len(payload)
	}
	wsmetrics.ObserveWrite(len(batch), bytes, time.Since(start), err)
	return err
}
