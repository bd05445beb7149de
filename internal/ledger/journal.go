package ledger

import (
	"context"

	"papertrader.com/internal/ledger/repo"
	"papertrader.com/internal/ledger/repo/model"
	"papertrader.com/pkg/xerr"
)

// Journal 成交流水，只追加
type Journal struct {
	repo repo.TradeRepo
}

func NewJournal(r repo.TradeRepo) *Journal {
	return &Journal{repo: r}
}

// Record 只能在账本事务里调用；失败返回 PersistenceError，调用方回滚
func (j *Journal) Record(ctx context.Context, rec *TradeRecord) error {
	row := &model.TradeRow{
		UserID:       rec.UserID,
		Symbol:       rec.Symbol,
		Side:         string(rec.Side),
		Quantity:     rec.Quantity,
		PricePerUnit: model.NewAmount(rec.PricePerUnit),
		TotalAmount:  model.NewAmount(rec.TotalAmount),
		CreatedAt:    rec.Timestamp,
	}
	if err := j.repo.AppendTrade(ctx, row); err != nil {
		return xerr.Wrap(err, xerr.DbError, "journal append failed")
	}
	rec.ID = row.ID
	return nil
}

// History 最新在前
func (j *Journal) History(ctx context.Context, userID string) ([]TradeRecord, error) {
	return j.HistoryPage(ctx, userID, 0, 0)
}

func (j *Journal) HistoryPage(ctx context.Context, userID string, page, limit int) ([]TradeRecord, error) {
	if userID == "" {
		return nil, xerr.New(xerr.ValidationError, "empty user id")
	}
	rows, err := j.repo.ListTrades(ctx, userID, page, limit)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list trades failed")
	}
	out := make([]TradeRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, TradeRecord{
			ID:           r.ID,
			UserID:       r.UserID,
			Symbol:       r.Symbol,
			Side:         Side(r.Side),
			Quantity:     r.Quantity,
			PricePerUnit: r.PricePerUnit.Decimal,
			TotalAmount:  r.TotalAmount.Decimal,
			Timestamp:    r.CreatedAt,
		})
	}
	return out, nil
}
