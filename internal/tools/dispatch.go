package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jaakkos/mailroom/internal/domain"
)

// callTimeout bounds one tool invocation.
const callTimeout = 30 * time.Second

// handlerFunc is a typed tool handler: it returns a JSON-marshalable payload
// or a domain error.
type handlerFunc func(ctx context.Context, args map[string]any) (any, error)

// errorPayload is the structured error body returned to clients.
type errorPayload struct {
	Error *domain.Error `json:"error"`
}

// wrap adapts a handlerFunc into an mcp-go tool handler. Known domain errors
// become structured JSON error results; anything else is redacted to
// INTERNAL_ERROR. Every call is timed into the metrics registry.
func (r *Registry) wrap(name string, fn handlerFunc) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		start := time.Now()
		payload, err := fn(ctx, req.GetArguments())
		r.metrics.Observe(name, time.Since(start), err != nil)

		if err != nil {
			return r.errorResult(name, err), nil
		}
		body, merr := json.Marshal(payload)
		if merr != nil {
			r.logger.Printf("tools: %s: marshal response: %v", name, merr)
			return r.errorResult(name, merr), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

// errorResult renders err as a structured JSON tool error. Non-domain errors
// are logged at full detail and redacted for the client.
func (r *Registry) errorResult(name string, err error) *mcp.CallToolResult {
	var de *domain.Error
	if !domain.As(err, &de) {
		r.logger.Printf("tools: %s: internal error: %v", name, err)
		de = domain.E(domain.ErrInternal, "internal error in %s", name)
	}
	body, merr := json.Marshal(errorPayload{Error: de})
	if merr != nil {
		return mcp.NewToolResultError(de.Error())
	}
	return mcp.NewToolResultError(string(body))
}
