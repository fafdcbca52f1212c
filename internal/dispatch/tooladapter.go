package dispatch

import (
	"context"
	"encoding/json"

	"github.com/crewbridge/dispatcher/internal/agent"
	"github.com/crewbridge/dispatcher/internal/crew"
)

// toolAdapter presents one crew.ToolSpec as an agent.Tool, the shape every
// LLMProvider's CompletionRequest.Tools expects for wire-schema conversion
// (see providers.AnthropicProvider.convertTools, which reads only Name,
// Description and Schema). Execute exists to satisfy the interface; the
// dispatch-level tool loop invokes crew.ToolSpec.Handler directly via
// dispatchToolCall and never calls it.
type toolAdapter struct {
	spec    crew.ToolSpec
	toolCtx crew.ToolContext
}

func toAgentTools(tools []crew.ToolSpec, toolCtx crew.ToolContext) []agent.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]agent.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolAdapter{spec: t, toolCtx: toolCtx})
	}
	return out
}

func (a toolAdapter) Name() string { return a.spec.Name }

func (a toolAdapter) Description() string { return a.spec.Description }

func (a toolAdapter) Schema() json.RawMessage {
	if len(a.spec.Parameters) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return a.spec.Parameters
}

func (a toolAdapter) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	result, err := safeInvokeTool(a.spec.Handler, a.toolCtx, params)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: string(encoded)}, nil
}
