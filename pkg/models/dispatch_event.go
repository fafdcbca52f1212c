package models

import (
	"encoding/json"
	"time"
)

// DispatchEventType discriminates the variants of DispatchEvent.
type DispatchEventType string

const (
	DispatchEventTextChunk           DispatchEventType = "text_chunk"
	DispatchEventFieldExtracted      DispatchEventType = "field_extracted"
	DispatchEventCrewTransition      DispatchEventType = "crew_transition"
	DispatchEventCrewInfo            DispatchEventType = "crew_info"
	DispatchEventFunctionCall        DispatchEventType = "function_call"
	DispatchEventFunctionResult      DispatchEventType = "function_result"
	DispatchEventFunctionError       DispatchEventType = "function_error"
	DispatchEventThinkingStep        DispatchEventType = "thinking_step"
	DispatchEventThinkingComplete    DispatchEventType = "thinking_complete"
	DispatchEventFileSearchResults   DispatchEventType = "file_search_results"
	DispatchEventDebugPrompt         DispatchEventType = "debug_prompt"
	DispatchEventDebugContextUpdate  DispatchEventType = "debug_context_update"
	DispatchEventDone                DispatchEventType = "done"
)

// DispatchEvent is the tagged union emitted by the dispatcher as a lazy
// sequence. Exactly one of the payload fields is populated, selected by Type.
// The zero value of an unused payload field is never serialized thanks to
// `omitempty`, keeping the wire shape close to what a hand-written variant
// type would produce.
type DispatchEvent struct {
	Type DispatchEventType `json:"type"`

	TextChunk      *TextChunkPayload      `json:"-"`
	FieldExtracted *FieldExtractedPayload `json:"-"`
	CrewTransition *CrewTransitionPayload `json:"-"`
	CrewInfo       *CrewInfoPayload       `json:"-"`
	FunctionCall   *FunctionCallPayload   `json:"-"`
	FunctionResult *FunctionResultPayload `json:"-"`
	FunctionError  *FunctionErrorPayload  `json:"-"`
	Thinking       *ThinkingPayload       `json:"-"`
	FileSearch     *FileSearchPayload     `json:"-"`
	DebugPrompt    *DebugPromptPayload    `json:"-"`
	DebugContext   *DebugContextPayload   `json:"-"`
}

// TextChunkPayload carries one segment of assistant text.
type TextChunkPayload struct {
	Payload string `json:"payload"`
}

// FieldExtractedPayload reports one newly known (or corrected) collected field.
type FieldExtractedPayload struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CrewTransitionPayload records a change of the conversation's current crew.
type CrewTransitionPayload struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// CrewInfoPayload is a descriptive snapshot of the crew now serving the
// conversation, sent immediately after a CrewTransitionPayload.
type CrewInfoPayload struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
}

// FunctionCallPayload announces a tool invocation requested by the model.
type FunctionCallPayload struct {
	Name   string          `json:"name"`
	Params JSONRaw         `json:"params"`
	CallID string          `json:"callId,omitempty"`
}

// FunctionResultPayload carries a tool's successful output back to the client.
type FunctionResultPayload struct {
	Name   string  `json:"name"`
	Result JSONRaw `json:"result"`
	CallID string  `json:"callId,omitempty"`
}

// FunctionErrorPayload carries a tool's failure back to the client.
type FunctionErrorPayload struct {
	Name   string `json:"name"`
	Error  string `json:"error"`
	CallID string `json:"callId,omitempty"`
}

// ThinkingPayload forwards opaque diagnostic content from a tool handler or
// provider's reasoning channel.
type ThinkingPayload struct {
	Step     string `json:"step,omitempty"`
	Complete bool   `json:"complete,omitempty"`
}

// FileSearchPayload reports knowledge-base sources surfaced during a call.
type FileSearchPayload struct {
	Files []string `json:"files"`
}

// DebugPromptPayload exposes the resolved prompt sent to the model. Only
// emitted when the request set debug=true.
type DebugPromptPayload struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

// DebugContextPayload exposes the context object built for the current turn.
// Only emitted when the request set debug=true.
type DebugContextPayload struct {
	Context map[string]any `json:"context"`
}

// JSONRaw is a thin alias kept local to this package so callers don't need to
// import encoding/json just to build a DispatchEvent payload.
type JSONRaw = []byte

// Done is the terminal event every dispatch ends with, success or failure.
func Done() DispatchEvent { return DispatchEvent{Type: DispatchEventDone} }

// payload returns the active variant's payload value, or nil for events
// (like Done) that carry none.
func (e DispatchEvent) payload() any {
	switch e.Type {
	case DispatchEventTextChunk:
		return e.TextChunk
	case DispatchEventFieldExtracted:
		return e.FieldExtracted
	case DispatchEventCrewTransition:
		return e.CrewTransition
	case DispatchEventCrewInfo:
		return e.CrewInfo
	case DispatchEventFunctionCall:
		return e.FunctionCall
	case DispatchEventFunctionResult:
		return e.FunctionResult
	case DispatchEventFunctionError:
		return e.FunctionError
	case DispatchEventThinkingStep, DispatchEventThinkingComplete:
		return e.Thinking
	case DispatchEventFileSearchResults:
		return e.FileSearch
	case DispatchEventDebugPrompt:
		return e.DebugPrompt
	case DispatchEventDebugContextUpdate:
		return e.DebugContext
	default:
		return nil
	}
}

// MarshalJSON flattens the active payload's fields alongside "type" into a
// single object, matching the wire shape a hand-written variant type would
// produce rather than the Go struct's tagged-union representation.
func (e DispatchEvent) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload := e.payload(); payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(encoded, &fields); err != nil {
			return nil, err
		}
	}
	typeJSON, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	fields["type"] = typeJSON
	return json.Marshal(fields)
}
