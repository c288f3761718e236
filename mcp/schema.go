package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var (
	purchaseSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1, "description": "Free-text research query"},
			"transactionId": {"type": "string", "description": "Hash of a payment already made for this query"},
			"autoPay": {"type": "boolean", "description": "Settle the payment from the gateway wallet"}
		},
		"required": ["query"],
		"additionalProperties": false
	}`)

	queryOnlySchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1, "description": "Query used for the purchase"}
		},
		"required": ["query"],
		"additionalProperties": false
	}`)

	purchaseValidator  = mustSchema(purchaseSchema)
	queryOnlyValidator = mustSchema(queryOnlySchema)
)

func mustSchema(raw json.RawMessage) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid tool schema: %v", err))
	}
	return schema
}

// validateArguments checks raw tool arguments against schema.
// Missing arguments are validated as an empty object.
func validateArguments(schema *gojsonschema.Schema, raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{}`)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return fmt.Errorf("invalid arguments: %s", strings.Join(errs, "; "))
}
