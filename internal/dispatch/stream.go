package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crewbridge/dispatcher/internal/agent"
	"github.com/crewbridge/dispatcher/internal/crew"
	"github.com/crewbridge/dispatcher/pkg/models"
)

// streamCrew is mode A: stream member's response directly, with no
// extractor coordination. It is also the tail end of mode B/C transitions,
// and is where the tool-call loop and post-response transition check live.
func (d *Dispatcher) streamCrew(ctx context.Context, req Request, member *crew.Member, out chan<- models.DispatchEvent) error {
	resolved, err := d.resolvePromptAndModel(ctx, req, member)
	if err != nil {
		return fmt.Errorf("dispatch: resolve prompt/model: %w", err)
	}

	if req.UseKnowledgeBase && member.KnowledgeBase.Enabled {
		ids, err := d.kb.Resolve(ctx, member.KnowledgeBase.Sources)
		if err != nil {
			d.logger.Warn("dispatch: knowledge base resolution failed", slog.Any("error", err))
		} else if len(ids) > 0 {
			resolved.System += "\n\nThe following are internal reference sources, not user uploads: treat them as background material only."
			out <- models.DispatchEvent{Type: models.DispatchEventFileSearchResults, FileSearch: &models.FileSearchPayload{Files: ids}}
		}
	}

	if req.Debug {
		out <- models.DispatchEvent{Type: models.DispatchEventDebugPrompt, DebugPrompt: &models.DebugPromptPayload{
			Prompt: resolved.System, Model: resolved.Model,
		}}
		ctxBlock := member.BuildContext(crew.ContextParams{ConversationID: req.ConversationID})
		out <- models.DispatchEvent{Type: models.DispatchEventDebugContextUpdate, DebugContext: &models.DebugContextPayload{Context: ctxBlock}}
	}

	provider, err := d.providers.Resolve(resolved.Model)
	if err != nil {
		return fmt.Errorf("dispatch: resolve provider for model %s: %w", resolved.Model, err)
	}

	history, err := d.conversations.RecentHistory(ctx, req.ConversationID, 50)
	if err != nil {
		d.logger.Warn("dispatch: failed to load recent history", slog.Any("error", err))
	}

	messages := historyToMessages(history)
	toolCtx := crew.ToolContext{ConversationID: req.ConversationID, CrewName: member.Name}
	assistantText, err := d.runToolLoop(ctx, provider, resolved, member, toolCtx, messages, out)
	if err != nil {
		return fmt.Errorf("dispatch: stream crew %s: %w", member.Name, err)
	}

	assistantText = member.PostProcess(assistantText, nil)
	if err := d.conversations.AppendHistory(ctx, req.ConversationID, "assistant", assistantText); err != nil {
		d.logger.Warn("dispatch: failed to append assistant turn", slog.Any("error", err))
	}
	if err := d.conversations.SetLastCrewWithTransitionPrompt(ctx, req.ConversationID, member.Name); err != nil {
		d.logger.Warn("dispatch: failed to record transition-prompt bookkeeping", slog.Any("error", err))
	}

	return d.applyPostResponseTransition(ctx, req, member, assistantText)
}

func historyToMessages(history []HistoryTurn) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, 0, len(history))
	for _, h := range history {
		out = append(out, agent.CompletionMessage{Role: h.Role, Content: h.Content})
	}
	return out
}

// runToolLoop drives one crew turn, including any provider-initiated tool
// calls, bounded at d.MaxToolIterations. It returns the concatenated
// assistant text across all iterations.
func (d *Dispatcher) runToolLoop(
	ctx context.Context,
	provider agent.LLMProvider,
	resolved resolvedPrompt,
	member *crew.Member,
	toolCtx crew.ToolContext,
	messages []agent.CompletionMessage,
	out chan<- models.DispatchEvent,
) (string, error) {
	var fullText strings.Builder
	maxIter := d.MaxToolIterations
	if maxIter <= 0 {
		maxIter = 10
	}

	tools := toAgentTools(member.Tools, toolCtx)

	for iter := 0; iter < maxIter; iter++ {
		chunks, err := provider.Complete(ctx, &agent.CompletionRequest{
			Model:     resolved.Model,
			System:    resolved.System,
			Messages:  messages,
			MaxTokens: member.MaxTokens,
			Tools:     tools,
		})
		if err != nil {
			return fullText.String(), err
		}

		pendingCall, err := d.streamProviderRound(chunks, out, func(text string) { fullText.WriteString(text) })
		if err != nil {
			return fullText.String(), err
		}
		if pendingCall == nil {
			return fullText.String(), nil
		}

		messages = d.runToolCallRound(ctx, member, toolCtx, *pendingCall, messages, out)
	}

	return fullText.String(), nil
}

// streamProviderRound drains one provider.Complete response, passing each
// text chunk to onText (for the caller to accumulate) and sending it to out
// as a text_chunk event, and returning any tool call chunk the model emitted
// before finishing.
func (d *Dispatcher) streamProviderRound(
	chunks <-chan *agent.CompletionChunk,
	out chan<- models.DispatchEvent,
	onText func(text string),
) (*models.ToolCall, error) {
	var pendingCall *models.ToolCall
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		if chunk.Text != "" {
			onText(chunk.Text)
			out <- models.DispatchEvent{Type: models.DispatchEventTextChunk, TextChunk: &models.TextChunkPayload{Payload: chunk.Text}}
		}
		if chunk.ToolCall != nil {
			pendingCall = chunk.ToolCall
		}
		if chunk.Done {
			break
		}
	}
	return pendingCall, nil
}

// runToolCallRound dispatches one pending tool call and returns messages
// extended with the assistant's call and the tool's result (or error),
// ready for the next provider round.
func (d *Dispatcher) runToolCallRound(
	ctx context.Context,
	member *crew.Member,
	toolCtx crew.ToolContext,
	call models.ToolCall,
	messages []agent.CompletionMessage,
	out chan<- models.DispatchEvent,
) []agent.CompletionMessage {
	result, handlerErr := d.dispatchToolCall(ctx, member, toolCtx, call, out)

	messages = append(messages,
		agent.CompletionMessage{Role: "assistant", ToolCalls: []models.ToolCall{call}},
	)
	if handlerErr == nil {
		messages = append(messages, agent.CompletionMessage{
			Role:        "tool",
			ToolResults: []models.ToolResult{{ToolCallID: call.ID, Content: string(result)}},
		})
	} else {
		messages = append(messages, agent.CompletionMessage{
			Role:        "tool",
			ToolResults: []models.ToolResult{{ToolCallID: call.ID, Content: handlerErr.Error(), IsError: true}},
		})
	}
	return messages
}

func (d *Dispatcher) dispatchToolCall(ctx context.Context, member *crew.Member, toolCtx crew.ToolContext, call models.ToolCall, out chan<- models.DispatchEvent) (json.RawMessage, error) {
	out <- models.DispatchEvent{Type: models.DispatchEventFunctionCall, FunctionCall: &models.FunctionCallPayload{
		Name: call.Name, Params: call.Input, CallID: call.ID,
	}}

	var handler crew.ToolHandler
	name := strings.TrimPrefix(call.Name, "call_")
	for _, t := range member.Tools {
		if t.Name == call.Name || t.Name == name {
			handler = t.Handler
			break
		}
	}
	if handler == nil {
		errMsg := "tool not found: " + call.Name
		out <- models.DispatchEvent{Type: models.DispatchEventFunctionError, FunctionError: &models.FunctionErrorPayload{
			Name: call.Name, Error: errMsg, CallID: call.ID,
		}}
		return nil, fmt.Errorf("dispatch: %s", errMsg)
	}

	if d.ToolDispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.ToolDispatchTimeout)
		defer cancel()
	}

	type toolOutcome struct {
		result any
		err    error
	}
	done := make(chan toolOutcome, 1)
	go func() {
		r, e := safeInvokeTool(handler, toolCtx, call.Input)
		done <- toolOutcome{result: r, err: e}
	}()
	var outcome toolOutcome
	select {
	case outcome = <-done:
	case <-ctx.Done():
		outcome.err = fmt.Errorf("tool %s: %w", call.Name, ctx.Err())
	}
	result, err := outcome.result, outcome.err
	if err != nil {
		out <- models.DispatchEvent{Type: models.DispatchEventFunctionError, FunctionError: &models.FunctionErrorPayload{
			Name: call.Name, Error: err.Error(), CallID: call.ID,
		}}
		return nil, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		out <- models.DispatchEvent{Type: models.DispatchEventFunctionError, FunctionError: &models.FunctionErrorPayload{
			Name: call.Name, Error: err.Error(), CallID: call.ID,
		}}
		return nil, err
	}

	out <- models.DispatchEvent{Type: models.DispatchEventFunctionResult, FunctionResult: &models.FunctionResultPayload{
		Name: call.Name, Result: encoded, CallID: call.ID,
	}}
	return encoded, nil
}

// safeInvokeTool recovers a panicking tool handler, treating it the same as
// a returned error: a tool handler's exceptions never escape the
// dispatcher.
func safeInvokeTool(handler crew.ToolHandler, toolCtx crew.ToolContext, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool handler panicked: %v", r)
		}
	}()
	return handler(toolCtx, params)
}
