package repo

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"papertrader.com/internal/ledger/repo/model"
)

var ErrNotFound = errors.New("record not found")

type AccountRepo interface {
	// CreateAccount 已存在时不覆盖，返回 created=false
	CreateAccount(ctx context.Context, row *model.AccountRow) (created bool, err error)
	GetAccount(ctx context.Context, userID string) (*model.AccountRow, error)
	// GetAccountForUpdate 事务内行锁（sqlite 忽略）
	GetAccountForUpdate(ctx context.Context, userID string) (*model.AccountRow, error)
	UpdateCash(ctx context.Context, userID string, cash decimal.Decimal) error
}

type HoldingRepo interface {
	GetHolding(ctx context.Context, userID, symbol string) (*model.HoldingRow, error)
	ListHoldings(ctx context.Context, userID string) ([]model.HoldingRow, error)
	SaveHolding(ctx context.Context, row *model.HoldingRow) error
	DeleteHolding(ctx context.Context, userID, symbol string) error
}

type TradeRepo interface {
	AppendTrade(ctx context.Context, row *model.TradeRow) error
	// ListTrades 最新在前；page/limit <= 0 表示不分页
	ListTrades(ctx context.Context, userID string, page, limit int) ([]model.TradeRow, error)
}

type Repo interface {
	Transaction(ctx context.Context, fn func(txCtx context.Context) error) error
	AccountRepo
	HoldingRepo
	TradeRepo
}
