// Package gin serves the premium purchase actions as Gin routes.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/x402-foundation/premium"
	premiumhttp "github.com/x402-foundation/premium/http"
)

type queryBody struct {
	Query string `json:"query"`
}

// RegisterRoutes registers the action routes on r:
//
//	POST /purchase   PurchaseRequest -> PurchaseResponse
//	POST /publish    {"query"}       -> PublishResponse
//	GET  /published  ?query=         -> {"query", "documents"}
func RegisterRoutes(r gin.IRouter, actions premium.PurchaseActions) {
	h := &handlers{actions: actions}
	r.POST("/purchase", h.purchase)
	r.POST("/publish", h.publish)
	r.GET("/published", h.published)
}

type handlers struct {
	actions premium.PurchaseActions
}

func (h *handlers) purchase(c *gin.Context) {
	var req premium.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, premiumhttp.ErrorBody{ErrorCode: premium.ErrCodeInvalidRequest, Message: err.Error()})
		return
	}

	resp, err := h.actions.Purchase(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if resp.Status == premium.PurchasePaymentRequired && resp.Requirement != nil {
		_ = premiumhttp.SetChallenge(c.Writer.Header(), *resp.Requirement)
	}
	c.JSON(premiumhttp.StatusForPurchase(resp), resp)
}

func (h *handlers) publish(c *gin.Context) {
	var body queryBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, premiumhttp.ErrorBody{ErrorCode: premium.ErrCodeInvalidRequest, Message: err.Error()})
		return
	}

	resp, err := h.actions.PublishPurchased(c.Request.Context(), body.Query)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) published(c *gin.Context) {
	query := c.Query("query")
	docs, err := h.actions.SearchPublished(c.Request.Context(), query)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if docs == nil {
		docs = []premium.Document{}
	}
	c.JSON(http.StatusOK, gin.H{
		"query":     premium.NormalizeQuery(query),
		"documents": docs,
	})
}

func abortWithError(c *gin.Context, err error) {
	status, body := premiumhttp.NewErrorBody(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}
