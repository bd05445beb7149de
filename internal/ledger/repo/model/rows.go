package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Amount 金额/价格列。sqlite 的 decimal 列是 NUMERIC 亲和性，会按 float64 存，超过 15 位有效数字就丢精度，
// 所以 sqlite 下落 TEXT，其它库用 decimal(36,18)
type Amount struct {
	decimal.Decimal
}

func NewAmount(d decimal.Decimal) Amount { return Amount{Decimal: d} }

func (Amount) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	if db.Dialector.Name() == "sqlite" {
		return "text"
	}
	return "decimal(36,18)"
}

type AccountRow struct {
	UserID    string    `gorm:"column:user_id;primaryKey;type:varchar(64);not null"`
	Cash      Amount    `gorm:"column:cash;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (AccountRow) TableName() string {
	return "accounts"
}

// HoldingRow 数量归零时整行删除，不落 0
type HoldingRow struct {
	UserID      string    `gorm:"column:user_id;primaryKey;type:varchar(64);not null"`
	Symbol      string    `gorm:"column:symbol;primaryKey;type:varchar(32);not null"`
	Quantity    int64     `gorm:"column:quantity;not null"`
	AverageCost Amount    `gorm:"column:average_cost;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (HoldingRow) TableName() string {
	return "holdings"
}

// TradeRow 只追加，不更新不删除
type TradeRow struct {
	ID           uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	UserID       string    `gorm:"column:user_id;type:varchar(64);not null;index:idx_trades_user_time,priority:1"`
	Symbol       string    `gorm:"column:symbol;type:varchar(32);not null"`
	Side         string    `gorm:"column:side;type:varchar(4);not null"`
	Quantity     int64     `gorm:"column:quantity;not null"`
	PricePerUnit Amount    `gorm:"column:price_per_unit;not null"`
	TotalAmount  Amount    `gorm:"column:total_amount;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;index:idx_trades_user_time,priority:2"`
}

func (TradeRow) TableName() string {
	return "trades"
}

// All 建表顺序
func All() []any {
	return []any{&AccountRow{}, &HoldingRow{}, &TradeRow{}}
}
