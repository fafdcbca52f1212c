package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/crewbridge/dispatcher/internal/agent"
	"github.com/crewbridge/dispatcher/internal/crew"
	"github.com/crewbridge/dispatcher/internal/extractor"
	"github.com/crewbridge/dispatcher/pkg/models"
)

// extractorResult carries the micro-agent's outcome across the goroutine
// boundary to the gate.
type extractorResult struct {
	result extractor.Result
}

// runBuffered is mode C: the extractor and the crew stream run as two
// concurrent producers. Crew chunks are buffered in a FIFO queue until the
// extractor finishes; at that point the gate decides whether to flush the
// buffer and continue, or discard it and transition.
func (d *Dispatcher) runBuffered(ctx context.Context, req Request, member *crew.Member, collected map[string]string, out chan<- models.DispatchEvent) error {
	gateCtx, cancelGate := context.WithCancel(ctx)
	defer cancelGate()

	extractorDone := make(chan extractorResult, 1)
	gateStart := time.Now()
	go func() {
		history, err := d.conversations.RecentHistory(gateCtx, req.ConversationID, 20)
		if err != nil {
			d.logger.Warn("dispatch: failed to load recent history for extractor", slog.Any("error", err))
		}
		extractorDone <- extractorResult{result: d.extractor.Extract(gateCtx, extractor.Request{
			RecentTurns:     toTurns(history, req.Message),
			MissingFields:   member.FieldsForExtraction(collected),
			CollectedFields: collected,
			Mode:            member.EffectiveExtractionMode(),
		})}
	}()

	provider, err := d.providers.Resolve(member.Model)
	if err != nil {
		return err
	}
	resolved, err := d.resolvePromptAndModel(ctx, req, member)
	if err != nil {
		return err
	}
	history, err := d.conversations.RecentHistory(ctx, req.ConversationID, 50)
	if err != nil {
		d.logger.Warn("dispatch: failed to load recent history", slog.Any("error", err))
	}

	toolCtx := crew.ToolContext{ConversationID: req.ConversationID, CrewName: member.Name}
	tools := toAgentTools(member.Tools, toolCtx)
	messages := historyToMessages(history)

	chunks, err := provider.Complete(ctx, &agent.CompletionRequest{
		Model:     resolved.Model,
		System:    resolved.System,
		Messages:  messages,
		MaxTokens: member.MaxTokens,
		Tools:     tools,
	})
	if err != nil {
		return err
	}

	var buffer []string
	var gated, transfer bool
	var fullText string
	var pendingCall *models.ToolCall

	flush := func() {
		for _, text := range buffer {
			fullText += text
			out <- models.DispatchEvent{Type: models.DispatchEventTextChunk, TextChunk: &models.TextChunkPayload{Payload: text}}
		}
		buffer = nil
	}

	// runGate applies the extractor's result exactly once: persist the
	// merged fields, emit field_extracted events in the extractor's own
	// output order, then decide whether to discard the buffer
	// (transfer=true) or flush it and keep streaming.
	runGate := func(extracted extractor.Result) {
		d.metrics.GateLatency.Observe(time.Since(gateStart).Seconds())
		newFields := mergedFields(extracted)
		fieldMap := make(map[string]string, len(newFields))
		for _, f := range newFields {
			fieldMap[f.Name] = f.Value
		}
		merged, err := d.fieldsCache.UpdateCollectedFields(ctx, req.ConversationID, fieldMap)
		if err != nil {
			d.logger.Warn("dispatch: failed to persist extracted fields", slog.Any("error", err))
			merged = collected
		}
		for _, f := range newFields {
			out <- models.DispatchEvent{Type: models.DispatchEventFieldExtracted, FieldExtracted: &models.FieldExtractedPayload{Name: f.Name, Value: f.Value}}
		}
		if member.PreMessageTransfer(merged) {
			transfer = true
			cancelGate()
			return
		}
		flush()
	}

chunkLoop:
	for {
		select {
		case extracted := <-extractorDone:
			gated = true
			runGate(extracted.result)
			if transfer {
				break chunkLoop
			}
		case chunk, ok := <-chunks:
			if !ok {
				break chunkLoop
			}
			if chunk.Error != nil {
				return chunk.Error
			}
			if chunk.Text != "" {
				if gated {
					fullText += chunk.Text
					out <- models.DispatchEvent{Type: models.DispatchEventTextChunk, TextChunk: &models.TextChunkPayload{Payload: chunk.Text}}
				} else {
					buffer = append(buffer, chunk.Text)
				}
			}
			if chunk.ToolCall != nil {
				pendingCall = chunk.ToolCall
			}
			if chunk.Done {
				break chunkLoop
			}
		}
	}

	if !gated {
		// Crew stream ended before the extractor finished: await it now and
		// apply the same gate.
		extracted := <-extractorDone
		runGate(extracted.result)
	}

	if transfer {
		return d.transferAndStream(ctx, req, member, "fields collected for this turn", out)
	}

	// A tool call made during the gated round is handled the same way
	// streamCrew's mode A does: dispatch it, feed the result back to the
	// provider, and keep looping (now fully past the gate, so every
	// subsequent chunk streams directly) until the model stops calling
	// tools or MaxToolIterations is reached.
	maxIter := d.MaxToolIterations
	if maxIter <= 0 {
		maxIter = 10
	}
	for iter := 0; pendingCall != nil && iter < maxIter; iter++ {
		messages = d.runToolCallRound(ctx, member, toolCtx, *pendingCall, messages, out)
		nextChunks, err := provider.Complete(ctx, &agent.CompletionRequest{
			Model:     resolved.Model,
			System:    resolved.System,
			Messages:  messages,
			MaxTokens: member.MaxTokens,
			Tools:     tools,
		})
		if err != nil {
			return err
		}
		pendingCall, err = d.streamProviderRound(nextChunks, out, func(text string) { fullText += text })
		if err != nil {
			return err
		}
	}

	fullText = member.PostProcess(fullText, nil)
	if err := d.conversations.AppendHistory(ctx, req.ConversationID, "assistant", fullText); err != nil {
		d.logger.Warn("dispatch: failed to append assistant turn", slog.Any("error", err))
	}
	if err := d.conversations.SetLastCrewWithTransitionPrompt(ctx, req.ConversationID, member.Name); err != nil {
		d.logger.Warn("dispatch: failed to record transition-prompt bookkeeping", slog.Any("error", err))
	}

	return d.applyPostResponseTransition(ctx, req, member, fullText)
}

// mergedFields combines extracted and corrected fields in the extractor's
// own output order (extracted fields first, then corrections), which is
// also the order field_extracted events are emitted in. A name appearing in
// both keeps its corrections value but its extractedFields position,
// matching how a single merged JSON object would read.
func mergedFields(r extractor.Result) []extractor.FieldValue {
	index := make(map[string]int, len(r.ExtractedFields))
	out := make([]extractor.FieldValue, 0, len(r.ExtractedFields)+len(r.Corrections))
	for _, f := range r.ExtractedFields {
		index[f.Name] = len(out)
		out = append(out, f)
	}
	for _, f := range r.Corrections {
		if i, ok := index[f.Name]; ok {
			out[i].Value = f.Value
			continue
		}
		index[f.Name] = len(out)
		out = append(out, f)
	}
	return out
}

func toTurns(history []HistoryTurn, currentMessage string) []extractor.Turn {
	turns := make([]extractor.Turn, 0, len(history)+1)
	for _, h := range history {
		turns = append(turns, extractor.Turn{Role: h.Role, Content: h.Content})
	}
	turns = append(turns, extractor.Turn{Role: "user", Content: currentMessage})
	return turns
}
