package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/x402-foundation/premium"
	"github.com/x402-foundation/premium/config"
	premiumhttp "github.com/x402-foundation/premium/http"
	premiumecho "github.com/x402-foundation/premium/pkg/echo"
	premiumgin "github.com/x402-foundation/premium/pkg/gin"
)

type searchResult struct {
	Query string                `json:"query"`
	Items []premium.ContentItem `json:"items"`
	Payer string                `json:"payer"`
}

// paidSearch runs a content search for a caller who has already paid
func (g *gateway) paidSearch(r *http.Request, payer string) (int, interface{}) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		return http.StatusBadRequest, premiumhttp.ErrorBody{ErrorCode: premium.ErrCodeInvalidRequest, Message: "query is required"}
	}
	items, err := g.content.Search(r.Context(), query, g.contentLimit)
	if err != nil {
		return premiumhttp.NewErrorBody(premium.WrapPaymentError(premium.ErrCodeUpstreamFetchFailed, "content search failed", err))
	}
	if items == nil {
		items = []premium.ContentItem{}
	}
	return http.StatusOK, searchResult{Query: query, Items: items, Payer: payer}
}

func health(cfg *config.Config) map[string]interface{} {
	return map[string]interface{}{
		"status":  "ok",
		"network": cfg.Network,
	}
}

func (g *gateway) ginHandler(cfg *config.Config, logger *zap.Logger) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	premiumgin.RegisterRoutes(r, g.acquirer)

	r.GET("/search", premiumgin.PaymentMiddleware(g.search, g.verifier,
		premiumgin.WithLogger(logger), premiumgin.WithTransactionLedger(g.store)), func(c *gin.Context) {
		v := c.MustGet(premiumgin.ContextKeyVerification).(premium.PaymentVerification)
		c.JSON(g.paidSearch(c.Request, v.Sender))
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, health(cfg))
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{})))
	r.Any("/sse", gin.WrapH(g.mcpHandler))
	r.Any("/messages", gin.WrapH(g.mcpHandler))
	return r
}

func (g *gateway) echoHandler(cfg *config.Config, logger *zap.Logger) http.Handler {
	e := premiumecho.NewServer(g.acquirer)
	e.Use(middleware.Recover())

	e.GET("/search", func(c echo.Context) error {
		v := c.Get(premiumecho.ContextKeyVerification).(premium.PaymentVerification)
		return c.JSON(g.paidSearch(c.Request(), v.Sender))
	}, premiumecho.PaymentMiddleware(g.search, g.verifier,
		premiumecho.WithLogger(logger), premiumecho.WithTransactionLedger(g.store)))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, health(cfg))
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{})))
	e.Any("/sse", echo.WrapHandler(g.mcpHandler))
	e.Any("/messages", echo.WrapHandler(g.mcpHandler))
	return e
}
