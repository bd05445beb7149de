package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"papertrader.com/internal/ledger"
	"papertrader.com/pkg/common"
	"papertrader.com/pkg/xerr"
)

type Trade struct {
	svc *ledger.Service

	// 已开户的用户，避免每个请求都写一次库
	opened sync.Map
}

func NewTrade(svc *ledger.Service) *Trade {
	return &Trade{svc: svc}
}

// orderReq 成交价一律取行情，客户端不能指定
type orderReq struct {
	Symbol   string `json:"symbol" binding:"required"`
	Quantity int64  `json:"quantity" binding:"required"`
}

type depositReq struct {
	Amount decimal.Decimal `json:"amount"`
}

type buyResp struct {
	Holding ledger.Holding  `json:"holding"`
	Price   decimal.Decimal `json:"price"`
}

type sellResp struct {
	Holding ledger.Holding  `json:"holding"`
	Closed  bool            `json:"closed"` // 持仓清零
	Price   decimal.Decimal `json:"price"`
}

// userID 身份校验在外部网关完成，这里只认 X-User-Id
func (t *Trade) userID(c *gin.Context) (string, bool) {
	uid := strings.TrimSpace(c.GetHeader(common.HeaderUserID))
	if uid == "" {
		common.Fail(c, http.StatusUnauthorized, http.StatusUnauthorized, "missing "+common.HeaderUserID)
		return "", false
	}
	if _, ok := t.opened.Load(uid); ok {
		return uid, true
	}
	if err := t.ensureAccount(c.Request.Context(), uid); err != nil {
		common.FailFromErr(c, err)
		return "", false
	}
	return uid, true
}

func (t *Trade) ensureAccount(ctx context.Context, uid string) error {
	if _, err := t.svc.OpenAccount(ctx, uid); err != nil {
		return err
	}
	t.opened.Store(uid, struct{}{})
	return nil
}

func bindOrder(c *gin.Context) (orderReq, bool) {
	var req orderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailFromErr(c, xerr.Wrap(err, xerr.ValidationError, "invalid order body"))
		return req, false
	}
	return req, true
}

func (t *Trade) Buy(c *gin.Context) {
	uid, ok := t.userID(c)
	if !ok {
		return
	}
	req, ok := bindOrder(c)
	if !ok {
		return
	}
	h, q, err := t.svc.BuyAtMarket(c.Request.Context(), uid, req.Symbol, req.Quantity)
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, buyResp{Holding: h, Price: q.Price})
}

func (t *Trade) Sell(c *gin.Context) {
	uid, ok := t.userID(c)
	if !ok {
		return
	}
	req, ok := bindOrder(c)
	if !ok {
		return
	}
	h, closed, q, err := t.svc.SellAtMarket(c.Request.Context(), uid, req.Symbol, req.Quantity)
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, sellResp{Holding: h, Closed: closed, Price: q.Price})
}

func (t *Trade) Deposit(c *gin.Context) {
	uid, ok := t.userID(c)
	if !ok {
		return
	}
	var req depositReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailFromErr(c, xerr.Wrap(err, xerr.ValidationError, "invalid deposit body"))
		return
	}
	acc, err := t.svc.Deposit(c.Request.Context(), uid, req.Amount)
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, acc)
}

func (t *Trade) Portfolio(c *gin.Context) {
	uid, ok := t.userID(c)
	if !ok {
		return
	}
	p, err := t.svc.GetPortfolio(c.Request.Context(), uid)
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, p)
}

// Trades 最新的在前；page/limit 不传默认第一页 20 条
func (t *Trade) Trades(c *gin.Context) {
	uid, ok := t.userID(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	list, err := t.svc.HistoryPage(c.Request.Context(), uid, page, limit)
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	if list == nil {
		list = []ledger.TradeRecord{}
	}
	common.Success(c, gin.H{"page": page, "limit": limit, "trades": list})
}
