package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/x402-foundation/premium"
)

// Tool names
const (
	ToolPurchase        = "purchase_premium_content"
	ToolPublish         = "publish_purchased_content"
	ToolSearchPublished = "search_published_content"
)

// ServerOption configures NewServer
type ServerOption func(*serverConfig)

type serverConfig struct {
	name    string
	version string
	logger  *zap.Logger
}

// WithLogger sets the structured logger
func WithLogger(logger *zap.Logger) ServerOption {
	return func(c *serverConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithImplementation sets the server name and version announced to clients
func WithImplementation(name, version string) ServerOption {
	return func(c *serverConfig) {
		c.name = name
		c.version = version
	}
}

// NewServer creates an MCP server with the premium tools registered
func NewServer(actions premium.PurchaseActions, opts ...ServerOption) *mcpsdk.Server {
	config := serverConfig{
		name:    "premium-gateway",
		version: "1.0.0",
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&config)
	}

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    config.name,
		Version: config.version,
	}, nil)
	RegisterTools(server, actions, config.logger)
	return server
}

// RegisterTools adds the premium tools to an existing MCP server
func RegisterTools(server *mcpsdk.Server, actions premium.PurchaseActions, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{actions: actions, logger: logger}

	server.AddTool(&mcpsdk.Tool{
		Name: ToolPurchase,
		Description: "Buy licensed research results for a query. Without transactionId or autoPay " +
			"the result carries the payment instructions.",
		InputSchema: purchaseSchema,
	}, h.purchase)

	server.AddTool(&mcpsdk.Tool{
		Name:        ToolPublish,
		Description: "Publish the results of a successful purchase to the knowledge graph. Idempotent.",
		InputSchema: queryOnlySchema,
	}, h.publish)

	server.AddTool(&mcpsdk.Tool{
		Name:        ToolSearchPublished,
		Description: "Find knowledge-graph documents published for a query.",
		InputSchema: queryOnlySchema,
	}, h.searchPublished)
}

type handlers struct {
	actions premium.PurchaseActions
	logger  *zap.Logger
}

type queryArgs struct {
	Query string `json:"query"`
}

// SearchResult is the structured result of search_published_content
type SearchResult struct {
	Query     string             `json:"query"`
	Documents []premium.Document `json:"documents"`
}

func (h *handlers) purchase(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args premium.PurchaseRequest
	if err := decodeArguments(purchaseValidator, req.Params.Arguments, &args); err != nil {
		return errorResult(err), nil
	}

	resp, err := h.actions.Purchase(ctx, args)
	if err != nil {
		h.logger.Error("purchase tool failed", zap.String("query", args.Query), zap.Error(err))
		return errorResult(err), nil
	}
	return structuredResult(resp, resp.Message, resp.IsError())
}

func (h *handlers) publish(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args queryArgs
	if err := decodeArguments(queryOnlyValidator, req.Params.Arguments, &args); err != nil {
		return errorResult(err), nil
	}

	resp, err := h.actions.PublishPurchased(ctx, args.Query)
	if err != nil {
		h.logger.Warn("publish tool failed", zap.String("query", args.Query), zap.Error(err))
		return errorResult(err), nil
	}
	text := "published as " + resp.Reference
	if resp.AlreadyPublished {
		text = "already published as " + resp.Reference
	}
	return structuredResult(resp, text, false)
}

func (h *handlers) searchPublished(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args queryArgs
	if err := decodeArguments(queryOnlyValidator, req.Params.Arguments, &args); err != nil {
		return errorResult(err), nil
	}

	docs, err := h.actions.SearchPublished(ctx, args.Query)
	if err != nil {
		h.logger.Warn("search tool failed", zap.String("query", args.Query), zap.Error(err))
		return errorResult(err), nil
	}
	if docs == nil {
		docs = []premium.Document{}
	}
	return structuredResult(SearchResult{Query: premium.NormalizeQuery(args.Query), Documents: docs},
		fmt.Sprintf("%d published documents", len(docs)), false)
}

func decodeArguments(schema *gojsonschema.Schema, raw json.RawMessage, out interface{}) error {
	if err := validateArguments(schema, raw); err != nil {
		return premium.WrapPaymentError(premium.ErrCodeInvalidRequest, err.Error(), err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return premium.WrapPaymentError(premium.ErrCodeInvalidRequest, "failed to decode arguments", err)
	}
	return nil
}

// ToolFailure is the structured content of a tool call that produced no action result
type ToolFailure struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

func errorResult(err error) *mcpsdk.CallToolResult {
	failure := ToolFailure{ErrorCode: premium.ErrorCode(err), Message: err.Error()}
	if failure.ErrorCode == "" {
		failure.ErrorCode = "internal_error"
	}
	result, marshalErr := structuredResult(failure, failure.Message, true)
	if marshalErr != nil {
		return &mcpsdk.CallToolResult{
			IsError: true,
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: failure.Message}},
		}
	}
	return result
}

// structuredResult attaches v as structured content and as JSON text, followed by a
// human-readable summary
func structuredResult(v interface{}, summary string, isError bool) (*mcpsdk.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	var structured map[string]interface{}
	if err := json.Unmarshal(data, &structured); err != nil {
		return nil, fmt.Errorf("failed to unmarshal structured content: %w", err)
	}

	content := []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}}
	if summary != "" {
		content = append(content, &mcpsdk.TextContent{Text: summary})
	}
	return &mcpsdk.CallToolResult{
		Content:           content,
		StructuredContent: structured,
		IsError:           isError,
	}, nil
}
