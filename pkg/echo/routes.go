// Package echo serves the premium purchase actions as Echo routes.
// Routes and status codes match the Gin adapter.
package echo

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/x402-foundation/premium"
	premiumhttp "github.com/x402-foundation/premium/http"
)

type queryBody struct {
	Query string `json:"query"`
}

// RegisterRoutes registers POST /purchase, POST /publish and GET /published on g
func RegisterRoutes(g *echo.Group, actions premium.PurchaseActions) {
	h := &handlers{actions: actions}
	g.POST("/purchase", h.purchase)
	g.POST("/publish", h.publish)
	g.GET("/published", h.published)
}

// NewServer returns an Echo instance with the routes registered at the root
func NewServer(actions premium.PurchaseActions) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	RegisterRoutes(e.Group(""), actions)
	return e
}

type handlers struct {
	actions premium.PurchaseActions
}

func (h *handlers) purchase(c echo.Context) error {
	var req premium.PurchaseRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, premiumhttp.ErrorBody{ErrorCode: premium.ErrCodeInvalidRequest, Message: bindMessage(err)})
	}

	resp, err := h.actions.Purchase(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	if resp.Status == premium.PurchasePaymentRequired && resp.Requirement != nil {
		_ = premiumhttp.SetChallenge(c.Response().Header(), *resp.Requirement)
	}
	return c.JSON(premiumhttp.StatusForPurchase(resp), resp)
}

func (h *handlers) publish(c echo.Context) error {
	var body queryBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, premiumhttp.ErrorBody{ErrorCode: premium.ErrCodeInvalidRequest, Message: bindMessage(err)})
	}

	resp, err := h.actions.PublishPurchased(c.Request().Context(), body.Query)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *handlers) published(c echo.Context) error {
	query := c.QueryParam("query")
	docs, err := h.actions.SearchPublished(c.Request().Context(), query)
	if err != nil {
		return writeError(c, err)
	}
	if docs == nil {
		docs = []premium.Document{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"query":     premium.NormalizeQuery(query),
		"documents": docs,
	})
}

func writeError(c echo.Context, err error) error {
	status, body := premiumhttp.NewErrorBody(err)
	c.Logger().Error(err)
	return c.JSON(status, body)
}

func bindMessage(err error) string {
	if he, ok := err.(*echo.HTTPError); ok {
		if msg, ok := he.Message.(string); ok {
			return strings.TrimSpace(msg)
		}
	}
	return err.Error()
}
