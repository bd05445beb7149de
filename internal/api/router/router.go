package router

import (
	"github.com/gin-gonic/gin"
	"papertrader.com/internal/api/handler"
)

func Trade(api *gin.RouterGroup, h *handler.Trade) {
	trade := api.Group("/trade")
	{
		trade.POST("/buy", h.Buy)
		trade.POST("/sell", h.Sell)
	}
	account := api.Group("/account")
	{
		account.POST("/deposit", h.Deposit)
	}
	api.GET("/portfolio", h.Portfolio)
	api.GET("/trades", h.Trades)
}

func Market(api *gin.RouterGroup, h *handler.Market) {
	api.GET("/market/:symbol", h.Quote)
	api.GET("/feeds", h.Feeds)
}
