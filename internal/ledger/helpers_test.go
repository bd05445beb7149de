package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	ledgerdb "papertrader.com/internal/ledger/repo/mysql"
	"papertrader.com/pkg/orm"
)

func newTestRepo(t require.TestingT) *ledgerdb.Repo {
	db, err := orm.Open(&orm.Config{Type: "sqlite", DSN: "file::memory:", MaxOpen: 1})
	require.NoError(t, err)
	r := ledgerdb.New(db)
	require.NoError(t, r.Migrate(context.Background()))
	return r
}

func newTestService(t *testing.T, opts ...Option) (*Service, *ledgerdb.Repo) {
	t.Helper()
	r := newTestRepo(t)
	s := NewService(r, opts...)
	_, err := s.OpenAccount(context.Background(), "u1")
	require.NoError(t, err)
	return s, r
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return p.err
}

func (p *recordingPublisher) got() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}
