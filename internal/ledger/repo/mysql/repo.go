package mysql

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"papertrader.com/internal/ledger/repo"
	"papertrader.com/internal/ledger/repo/model"
	"papertrader.com/pkg/orm"
)

type txKey struct{}

// Repo gorm 实现，mysql/postgres/sqlite 通用
type Repo struct {
	db *gorm.DB
}

var _ repo.Repo = (*Repo)(nil)

func New(db *gorm.DB) *Repo { return &Repo{db: db} }

// Migrate 建表，启动和测试时调用
func (r *Repo) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(model.All()...)
}

func (r *Repo) Transaction(ctx context.Context, fn func(txCtx context.Context) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, txKey{}, tx)
		return fn(txCtx)
	})
}

func (r *Repo) getDb(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return r.db.WithContext(ctx)
}

func (r *Repo) CreateAccount(ctx context.Context, row *model.AccountRow) (bool, error) {
	res := r.getDb(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repo) GetAccount(ctx context.Context, userID string) (*model.AccountRow, error) {
	var row model.AccountRow
	err := r.getDb(ctx).Where("user_id = ?", userID).Take(&row).Error
	return notFound(&row, err)
}

func (r *Repo) GetAccountForUpdate(ctx context.Context, userID string) (*model.AccountRow, error) {
	var row model.AccountRow
	err := r.getDb(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&row).Error
	return notFound(&row, err)
}

func (r *Repo) UpdateCash(ctx context.Context, userID string, cash decimal.Decimal) error {
	res := r.getDb(ctx).Model(&model.AccountRow{}).
		Where("user_id = ?", userID).
		Update("cash", cash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *Repo) GetHolding(ctx context.Context, userID, symbol string) (*model.HoldingRow, error) {
	var row model.HoldingRow
	err := r.getDb(ctx).Where("user_id = ? AND symbol = ?", userID, symbol).Take(&row).Error
	return notFound(&row, err)
}

func (r *Repo) ListHoldings(ctx context.Context, userID string) ([]model.HoldingRow, error) {
	// 按 symbol 排序，输出稳定
	var rows []model.HoldingRow
	if err := r.getDb(ctx).Where("user_id = ?", userID).Order("symbol ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// SaveHolding upsert：(user_id, symbol) 冲突时覆盖数量和均价
func (r *Repo) SaveHolding(ctx context.Context, row *model.HoldingRow) error {
	return r.getDb(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"quantity", "average_cost", "updated_at"}),
	}).Create(row).Error
}

func (r *Repo) DeleteHolding(ctx context.Context, userID, symbol string) error {
	return r.getDb(ctx).
		Where("user_id = ? AND symbol = ?", userID, symbol).
		Delete(&model.HoldingRow{}).Error
}

func (r *Repo) AppendTrade(ctx context.Context, row *model.TradeRow) error {
	return r.getDb(ctx).Create(row).Error
}

func (r *Repo) ListTrades(ctx context.Context, userID string, page, limit int) ([]model.TradeRow, error) {
	q := r.getDb(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC")
	var rows []model.TradeRow
	if err := orm.ApplyPagination(q, page, limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func notFound[T any](row *T, err error) (*T, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}
