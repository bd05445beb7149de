package feed

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"papertrader.com/internal/quotes/source"
	"papertrader.com/pkg/logger"
	"papertrader.com/pkg/metrics"
	"papertrader.com/pkg/safe"
	"papertrader.com/pkg/xerr"
)

// AggregatePrefix 组合 feed 的 topic 前缀，例如 @home
const AggregatePrefix = "@"

var ErrClosed = errors.New("multiplexer closed")

type Config struct {
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
	// 组合 feed 并发拉取上限
	AggregateParallel int `yaml:"aggregate_parallel" mapstructure:"aggregate_parallel"`
	// Normalize 把用户输入的代码变成规范 topic；为空用 source.CleanSymbol
	Normalize func(string) (string, error) `yaml:"-" mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Second
	}
	if c.AggregateParallel <= 0 {
		c.AggregateParallel = 8
	}
	if c.Normalize == nil {
		c.Normalize = source.CleanSymbol
	}
	return c
}

// Multiplexer 每个 topic 只有一个轮询任务，按订阅者引用计数，归零即停
type Multiplexer struct {
	src       source.Source
	cfg       Config
	observers []TickObserver

	ctx    context.Context
	cancel context.CancelFunc
	sf     singleflight.Group
	tasks  atomic.Int32
	wg     sync.WaitGroup

	mu         sync.Mutex
	feeds      map[string]*symbolFeed         // topic -> feed
	conns      map[string]map[string]struct{} // connID -> topics
	aggregates map[string][]string            // @name -> symbols
	closed     bool
}

type symbolFeed struct {
	topic  string
	subs   map[string]*subscriber
	last   *Event // 最近一次成功的推送
	err    error  // 最近一次失败
	errAt  time.Time
	seq    uint64
	cancel context.CancelFunc
}

type subscriber struct {
	sink Sink
	// 已经收到过轮询推送；之后到达的首包直接丢弃，保证顺序
	delivered bool
}

func New(src source.Source, cfg Config, observers ...TickObserver) *Multiplexer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		src:        src,
		cfg:        cfg.withDefaults(),
		observers:  observers,
		ctx:        ctx,
		cancel:     cancel,
		feeds:      make(map[string]*symbolFeed, 64),
		conns:      make(map[string]map[string]struct{}, 256),
		aggregates: make(map[string][]string),
	}
}

// RegisterAggregate 声明组合 feed，name 必须以 @ 开头
func (m *Multiplexer) RegisterAggregate(name string, symbols []string) error {
	if !strings.HasPrefix(name, AggregatePrefix) || len(name) < 2 || len(symbols) == 0 {
		return xerr.New(xerr.ValidationError, "invalid aggregate "+name)
	}
	list := make([]string, 0, len(symbols))
	for _, s := range symbols {
		sym, err := m.cfg.Normalize(s)
		if err != nil {
			return err
		}
		list = append(list, sym)
	}
	m.mu.Lock()
	m.aggregates[name] = list
	m.mu.Unlock()
	return nil
}

// Normalize 返回规范 topic
func (m *Multiplexer) Normalize(topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if strings.HasPrefix(topic, AggregatePrefix) {
		m.mu.Lock()
		_, ok := m.aggregates[topic]
		m.mu.Unlock()
		if !ok {
			return "", xerr.New(xerr.ValidationError, "unknown aggregate "+topic)
		}
		return topic, nil
	}
	return m.cfg.Normalize(topic)
}

// Subscribe 幂等；返回规范 topic。新订阅者会收到一次立即拉取的首包
func (m *Multiplexer) Subscribe(ctx context.Context, connID, topic string, sink Sink) (string, error) {
	if connID == "" || sink == nil {
		return "", xerr.New(xerr.ValidationError, "conn id and sink required")
	}
	topic, err := m.Normalize(topic)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	f := m.feeds[topic]
	if f == nil {
		f = m.startFeedLocked(topic)
	}
	if _, ok := f.subs[connID]; ok {
		m.mu.Unlock()
		return topic, nil
	}
	sub := &subscriber{sink: sink}
	f.subs[connID] = sub
	set := m.conns[connID]
	if set == nil {
		set = make(map[string]struct{}, 4)
		m.conns[connID] = set
	}
	set[topic] = struct{}{}
	metrics.FeedSubscribers.Inc()
	m.wg.Add(1)
	m.mu.Unlock()

	logger.Debug(ctx, "feed subscribe", zap.String("conn", connID), zap.String("topic", topic))
	safe.GoCtx(m.ctx, "feed-prime:"+topic, func(c context.Context) {
		defer m.wg.Done()
		m.prime(c, f, connID, sub)
	})
	return topic, nil
}

// Unsubscribe 返回后该连接不会再收到这个 topic 的推送；未订阅时无操作
func (m *Multiplexer) Unsubscribe(connID, topic string) {
	topic, err := m.Normalize(topic)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.removeLocked(connID, topic)
	m.mu.Unlock()
}

// OnDisconnect 等价于对该连接所有 topic 调 Unsubscribe
func (m *Multiplexer) OnDisconnect(connID string) {
	m.mu.Lock()
	for topic := range m.conns[connID] {
		m.removeLocked(connID, topic)
	}
	delete(m.conns, connID)
	m.mu.Unlock()
}

func (m *Multiplexer) removeLocked(connID, topic string) {
	if set := m.conns[connID]; set != nil {
		delete(set, topic)
		if len(set) == 0 {
			delete(m.conns, connID)
		}
	}
	f := m.feeds[topic]
	if f == nil {
		return
	}
	if _, ok := f.subs[connID]; !ok {
		return
	}
	delete(f.subs, connID)
	metrics.FeedSubscribers.Dec()
	if len(f.subs) == 0 {
		f.cancel()
		delete(m.feeds, topic)
		metrics.FeedsActive.Dec()
		logger.Debug(context.Background(), "feed stopped", zap.String("topic", topic))
	}
}

func (m *Multiplexer) startFeedLocked(topic string) *symbolFeed {
	ctx, cancel := context.WithCancel(m.ctx)
	f := &symbolFeed{
		topic:  topic,
		subs:   make(map[string]*subscriber, 4),
		cancel: cancel,
	}
	m.feeds[topic] = f
	metrics.FeedsActive.Inc()

	m.wg.Add(1)
	m.tasks.Add(1)
	safe.GoCtx(ctx, "feed:"+topic, func(c context.Context) {
		defer m.wg.Done()
		defer m.tasks.Add(-1)
		m.poll(c, f)
	})
	return f
}

// poll 固定周期拉取；失败只记录，不影响其他 feed，也不拆掉自己
func (m *Multiplexer) poll(ctx context.Context, f *symbolFeed) {
	t := time.NewTicker(m.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		ev, quotes, err := m.fetch(ctx, f.topic)
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		if m.feeds[f.topic] != f {
			m.mu.Unlock()
			return
		}
		if err != nil {
			f.err, f.errAt = err, time.Now()
			m.mu.Unlock()
			metrics.FeedFetchErrors.WithLabelValues(feedKind(f.topic)).Inc()
			logger.Warn(ctx, "⚠️ feed tick failed", zap.String("topic", f.topic), zap.Error(err))
			continue
		}
		f.seq++
		ev.Seq = f.seq
		f.last, f.err = &ev, nil
		for _, sub := range f.subs {
			sub.sink.Push(ev)
			sub.delivered = true
		}
		n := len(f.subs)
		m.mu.Unlock()
		metrics.FeedPushTotal.WithLabelValues(string(ev.Kind)).Add(float64(n))

		for _, o := range m.observers {
			o.OnTick(ctx, f.topic, quotes)
		}
	}
}

// prime 订阅首包：立即拉一次，只在该订阅者还没收到轮询推送时投递
func (m *Multiplexer) prime(ctx context.Context, f *symbolFeed, connID string, sub *subscriber) {
	v, err, _ := m.sf.Do(f.topic, func() (interface{}, error) {
		ev, _, err := m.fetch(ctx, f.topic)
		return ev, err
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.feeds[f.topic] != f || f.subs[connID] != sub || sub.delivered {
		return
	}

	var ev Event
	switch {
	case err == nil:
		ev = v.(Event)
		if f.last == nil {
			f.last = &ev
		}
	case f.last != nil:
		// 拉取失败就用最近一次的行情
		ev = *f.last
	default:
		ev = Event{Kind: KindError, Topic: f.topic, Error: xerr.MapErrMsg(xerr.Code(err))}
		f.err, f.errAt = err, time.Now()
	}
	ev.Seq = 0
	sub.sink.Push(ev)
	sub.delivered = true
	metrics.FeedPushTotal.WithLabelValues(string(ev.Kind)).Inc()
}

func (m *Multiplexer) fetch(ctx context.Context, topic string) (Event, []source.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	if !strings.HasPrefix(topic, AggregatePrefix) {
		q, err := m.src.Fetch(ctx, topic)
		if err != nil {
			return Event{}, nil, err
		}
		return Event{Kind: KindQuote, Topic: topic, Quote: &q}, []source.Quote{q}, nil
	}

	m.mu.Lock()
	symbols := m.aggregates[topic]
	m.mu.Unlock()
	quotes, err := m.fetchAll(ctx, topic, symbols)
	if err != nil {
		return Event{}, nil, err
	}
	return Event{Kind: KindBatch, Topic: topic, Quotes: quotes}, quotes, nil
}

// fetchAll 并发拉取组合 feed；部分失败跳过，全部失败才算本次失败
func (m *Multiplexer) fetchAll(ctx context.Context, topic string, symbols []string) ([]source.Quote, error) {
	results := make([]*source.Quote, len(symbols))
	errs := make([]error, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.AggregateParallel)
	for i, sym := range symbols {
		g.Go(func() error {
			q, err := m.src.Fetch(gctx, sym)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = &q
			return nil
		})
	}
	_ = g.Wait()

	out := make([]source.Quote, 0, len(symbols))
	for i, q := range results {
		if q != nil {
			out = append(out, *q)
			continue
		}
		logger.Debug(ctx, "aggregate member failed", zap.String("topic", topic), zap.String("symbol", symbols[i]), zap.Error(errs[i]))
	}
	if len(out) == 0 {
		if len(errs) > 0 && errs[0] != nil {
			return nil, errs[0]
		}
		return nil, xerr.New(xerr.QuoteUnavailable, "aggregate "+topic+" has no quotes")
	}
	return out, nil
}

type FeedStat struct {
	Topic       string    `json:"topic"`
	Subscribers int       `json:"subscribers"`
	Ticks       uint64    `json:"ticks"`
	LastQuoteAt time.Time `json:"lastQuoteAt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

type Stats struct {
	Feeds       []FeedStat `json:"feeds"`
	Connections int        `json:"connections"`
	// 当前还在运行的轮询协程数
	Tasks int `json:"tasks"`
}

func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	st := Stats{Feeds: make([]FeedStat, 0, len(m.feeds)), Connections: len(m.conns)}
	for topic, f := range m.feeds {
		fs := FeedStat{Topic: topic, Subscribers: len(f.subs), Ticks: f.seq}
		if f.last != nil {
			fs.LastQuoteAt = lastQuoteAt(f.last)
		}
		if f.err != nil {
			fs.LastError = f.err.Error()
		}
		st.Feeds = append(st.Feeds, fs)
	}
	m.mu.Unlock()
	st.Tasks = int(m.tasks.Load())
	sort.Slice(st.Feeds, func(i, j int) bool { return st.Feeds[i].Topic < st.Feeds[j].Topic })
	return st
}

func lastQuoteAt(ev *Event) time.Time {
	if ev.Quote != nil {
		return ev.Quote.Timestamp
	}
	var t time.Time
	for _, q := range ev.Quotes {
		if q.Timestamp.After(t) {
			t = q.Timestamp
		}
	}
	return t
}

// Close 停掉所有轮询任务并等待退出
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for topic, f := range m.feeds {
		f.cancel()
		delete(m.feeds, topic)
		metrics.FeedsActive.Dec()
		metrics.FeedSubscribers.Sub(float64(len(f.subs)))
	}
	m.conns = make(map[string]map[string]struct{})
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func feedKind(topic string) string {
	if strings.HasPrefix(topic, AggregatePrefix) {
		return "aggregate"
	}
	return "symbol"
}
