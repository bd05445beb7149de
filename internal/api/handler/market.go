package handler

import (
	"github.com/gin-gonic/gin"
	"papertrader.com/internal/quotes/feed"
	"papertrader.com/internal/quotes/source"
	"papertrader.com/pkg/common"
)

type StatsProvider interface {
	Stats() feed.Stats
}

type Market struct {
	src   source.Source
	feeds StatsProvider
}

func NewMarket(src source.Source, feeds StatsProvider) *Market {
	return &Market{src: src, feeds: feeds}
}

func (m *Market) Quote(c *gin.Context) {
	q, err := m.src.Fetch(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, q)
}

// Feeds 当前轮询中的 feed 和订阅数
func (m *Market) Feeds(c *gin.Context) {
	if m.feeds == nil {
		common.Success(c, feed.Stats{})
		return
	}
	common.Success(c, m.feeds.Stats())
}

// Health 只回 ok，不探测下游
func Health(c *gin.Context) {
	common.Success(c, gin.H{"status": "ok"})
}
