package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// AverageCostScale 均价保留位数，银行家舍入
const AverageCostScale = 10

type Account struct {
	UserID string          `json:"userId"`
	Cash   decimal.Decimal `json:"cash"`
}

type Holding struct {
	Symbol      string          `json:"symbol"`
	Quantity    int64           `json:"quantity"`
	AverageCost decimal.Decimal `json:"averageCost"`
}

type Portfolio struct {
	UserID   string          `json:"userId"`
	Cash     decimal.Decimal `json:"cash"`
	Holdings []Holding       `json:"holdings"`
}

// TradeRecord 提交成功后才存在，不可变
type TradeRecord struct {
	ID           uint64          `json:"id"`
	UserID       string          `json:"userId"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Quantity     int64           `json:"quantity"`
	PricePerUnit decimal.Decimal `json:"pricePerUnit"`
	TotalAmount  decimal.Decimal `json:"totalAmount"`
	Timestamp    time.Time       `json:"timestamp"`
}

// clone 避免上层修改返回对象影响缓存/并发
func (p *Portfolio) clone() *Portfolio {
	if p == nil {
		return &Portfolio{}
	}
	out := &Portfolio{UserID: p.UserID, Cash: p.Cash, Holdings: make([]Holding, len(p.Holdings))}
	copy(out.Holdings, p.Holdings)
	return out
}

// WeightedAverage (q0*avg0 + q*price) / (q0+q)，按 AverageCostScale 银行家舍入
func WeightedAverage(q0 int64, avg0 decimal.Decimal, q int64, price decimal.Decimal) decimal.Decimal {
	num := avg0.Mul(decimal.NewFromInt(q0)).Add(price.Mul(decimal.NewFromInt(q)))
	return divRoundHalfEven(num, decimal.NewFromInt(q0+q), AverageCostScale)
}

// divRoundHalfEven 用 QuoRem 拿精确余数再舍入，中间不经过截断的除法
func divRoundHalfEven(num, den decimal.Decimal, scale int32) decimal.Decimal {
	q, r := num.QuoRem(den, scale)
	if r.IsZero() {
		return q
	}
	ulp := decimal.New(1, -scale)
	if num.Sign()*den.Sign() < 0 {
		ulp = ulp.Neg()
	}
	half := den.Abs().Mul(ulp.Abs())
	switch r.Abs().Mul(decimal.NewFromInt(2)).Cmp(half) {
	case 1:
		q = q.Add(ulp)
	case 0:
		if q.Shift(scale).BigInt().Bit(0) == 1 {
			q = q.Add(ulp)
		}
	}
	return q
}
