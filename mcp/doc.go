// Package mcp exposes the premium purchase actions as MCP (Model Context Protocol) tools.
//
// # Server Usage
//
// Register the tools on an MCP server and serve it over SSE:
//
//	import (
//	    "github.com/x402-foundation/premium/mcp"
//	    mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
//	)
//
//	server := mcp.NewServer(acquirer, mcp.WithLogger(logger))
//	sseHandler := mcpsdk.NewSSEHandler(func(req *http.Request) *mcpsdk.Server {
//	    return server
//	}, nil)
//
// # Tools
//
//   - purchase_premium_content: {query, transactionId?, autoPay?} -> PurchaseResponse
//   - publish_purchased_content: {query} -> PublishResponse
//   - search_published_content: {query} -> {documents}
//
// Failed purchases are returned with IsError set and the structured response attached.
// Other failures carry {errorCode, message}.
//
// # Client Usage
//
// Wrap a connected session for typed calls:
//
//	session, _ := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "agent", Version: "1.0.0"}, nil).Connect(ctx, transport, nil)
//	client := mcp.NewClient(session)
//	resp, err := client.Purchase(ctx, premium.PurchaseRequest{Query: "diabetes treatment", AutoPay: true})
package mcp
