package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/x402-foundation/premium"
)

// Client calls the premium tools over a connected MCP session
type Client struct {
	session *mcpsdk.ClientSession
}

// NewClient wraps a connected session
func NewClient(session *mcpsdk.ClientSession) *Client {
	return &Client{session: session}
}

// ToolError is returned when a tool call reports a failure without an action result
type ToolError struct {
	Tool      string
	ErrorCode string
	Message   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Tool, e.ErrorCode, e.Message)
}

// Purchase calls purchase_premium_content. A failed purchase is returned as a
// response with status failed, not as an error.
func (c *Client) Purchase(ctx context.Context, req premium.PurchaseRequest) (premium.PurchaseResponse, error) {
	args := map[string]interface{}{"query": req.Query}
	if req.TransactionID != "" {
		args["transactionId"] = req.TransactionID
	}
	if req.AutoPay {
		args["autoPay"] = true
	}

	var resp premium.PurchaseResponse
	result, err := c.call(ctx, ToolPurchase, args, &resp)
	if err != nil {
		return premium.PurchaseResponse{}, err
	}
	if result.IsError && resp.Status == "" {
		return premium.PurchaseResponse{}, toolError(ToolPurchase, result)
	}
	return resp, nil
}

// Publish calls publish_purchased_content
func (c *Client) Publish(ctx context.Context, query string) (premium.PublishResponse, error) {
	var resp premium.PublishResponse
	result, err := c.call(ctx, ToolPublish, map[string]interface{}{"query": query}, &resp)
	if err != nil {
		return premium.PublishResponse{}, err
	}
	if result.IsError {
		return premium.PublishResponse{}, toolError(ToolPublish, result)
	}
	return resp, nil
}

// SearchPublished calls search_published_content
func (c *Client) SearchPublished(ctx context.Context, query string) ([]premium.Document, error) {
	var resp SearchResult
	result, err := c.call(ctx, ToolSearchPublished, map[string]interface{}{"query": query}, &resp)
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, toolError(ToolSearchPublished, result)
	}
	return resp.Documents, nil
}

// call invokes name and decodes the JSON text content into out when present
func (c *Client) call(ctx context.Context, name string, args map[string]interface{}, out interface{}) (*mcpsdk.CallToolResult, error) {
	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", name, err)
	}

	if text := firstText(result); text != "" {
		if err := json.Unmarshal([]byte(text), out); err != nil && !result.IsError {
			return nil, fmt.Errorf("failed to decode %s result: %w", name, err)
		}
	}
	return result, nil
}

func toolError(tool string, result *mcpsdk.CallToolResult) *ToolError {
	var failure ToolFailure
	text := firstText(result)
	if err := json.Unmarshal([]byte(text), &failure); err != nil || failure.Message == "" {
		failure.Message = text
	}
	return &ToolError{Tool: tool, ErrorCode: failure.ErrorCode, Message: failure.Message}
}

func firstText(result *mcpsdk.CallToolResult) string {
	for _, item := range result.Content {
		if text, ok := item.(*mcpsdk.TextContent); ok {
			return text.Text
		}
	}
	return ""
}
