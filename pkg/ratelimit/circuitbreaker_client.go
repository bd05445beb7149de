package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"papertrader.com/pkg/metrics"
	"papertrader.com/pkg/xerr"
)

type Rule struct {
	// Half-Open 状态允许通过的探测请求数
	MaxRequests uint32 `yaml:"max_requests" mapstructure:"max_requests"`
	// Closed 状态计数窗口
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// 触发熔断条件（两种之一即可）
	TripConsecutiveFailures uint32  `yaml:"trip_consecutive_failures" mapstructure:"trip_consecutive_failures"`
	TripFailureRate         float64 `yaml:"trip_failure_rate" mapstructure:"trip_failure_rate"`
	TripMinRequests         uint32  `yaml:"trip_min_requests" mapstructure:"trip_min_requests"`
}

// Manager 按名字（上游/方法）管理熔断器，懒创建
type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[any]

	defaultRule Rule
	rules       map[string]Rule
	// 判断一次调用是否算“成功”，默认 IsSuccessfulForBreaker
	isSuccessful func(error) bool
}

type Option func(*Manager)

// WithClassifier 自定义哪些错误不计入熔断失败
func WithClassifier(fn func(error) bool) Option {
	return func(m *Manager) { m.isSuccessful = fn }
}

func NewManager(defaultRule Rule, perName map[string]Rule, opts ...Option) *Manager {
	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 5
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 3 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = 10 * time.Second
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 10
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 20
	}
	m := &Manager{
		m:            make(map[string]*gobreaker.CircuitBreaker[any], 16),
		defaultRule:  defaultRule,
		rules:        perName,
		isSuccessful: IsSuccessfulForBreaker,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Get(name string) *gobreaker.CircuitBreaker[any] {
	// 快路径：读锁
	m.mu.RLock()
	cb := m.m[name]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb = m.m[name]; cb != nil {
		return cb
	}

	rule, ok := m.rules[name]
	if !ok {
		rule = m.defaultRule
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: rule.MaxRequests,
		Interval:    rule.Interval,
		Timeout:     rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				return float64(c.TotalFailures)/float64(c.Requests) >= rule.TripFailureRate
			}
			return false
		},
		IsSuccessful: m.isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CBState.WithLabelValues(name).Set(float64(to))
		},
	}

	cb = gobreaker.NewCircuitBreaker[any](st)
	m.m[name] = cb
	return cb
}

// Execute 跑一次受保护的调用；熔断打开时返回 QuoteUnavailable 类错误
func Execute[T any](m *Manager, name string, fn func() (T, error)) (T, error) {
	out, err := m.Get(name).Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CBRejectTotal.WithLabelValues(name, err.Error()).Inc()
			return zero, xerr.Wrap(err, xerr.QuoteUnavailable, "upstream circuit open: "+name)
		}
		v, _ := out.(T)
		return v, err
	}
	v, _ := out.(T)
	return v, nil
}

// IsSuccessfulForBreaker 业务可预期的错误（参数错、查无此标的）不代表上游不健康
func IsSuccessfulForBreaker(err error) bool {
	if err == nil {
		return true
	}
	switch xerr.Code(err) {
	case xerr.ValidationError, xerr.RecordNotFound:
		return true
	default:
		return false
	}
}
