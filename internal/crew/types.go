// Package crew defines the crew member contract and the registry that loads
// and resolves crew members for an agent.
//
// A crew member is a prompt-configured persona: a name, a guidance prompt, a
// model, a set of tools, and optionally a list of fields to collect from the
// conversation before handing off to another crew member. The dispatcher
// (package dispatch) drives crew members through this contract; it never
// reaches into crew-specific state directly.
package crew

import (
	"encoding/json"
)

// Source identifies where a crew member definition came from. File sources
// always win over database sources when both define a crew of the same name
// for the same agent.
type Source string

const (
	SourceFile     Source = "file"
	SourceDatabase Source = "database"
)

// ExtractionMode selects the field-extraction micro-agent's behavior for a
// crew member's declared fields.
type ExtractionMode string

const (
	// ExtractionConversational uses the full recent conversation window and
	// treats silence on a field as "not yet answered."
	ExtractionConversational ExtractionMode = "conversational"

	// ExtractionForm considers only the immediately preceding assistant turn
	// and the latest user turn, and treats an explicit negative answer as a
	// legitimate collected value.
	ExtractionForm ExtractionMode = "form"
)

// FieldType constrains the values the extractor may assign to a declared
// field. An empty FieldType is equivalent to FieldUntyped.
type FieldType string

const (
	FieldUntyped FieldType = ""
	FieldBoolean FieldType = "boolean"
	FieldEnum    FieldType = "enum"
)

// FieldSpec describes one piece of structured data a crew member wants
// collected before it will transition (or before a form is considered
// complete).
type FieldSpec struct {
	Name          string    `json:"name" yaml:"name"`
	Description   string    `json:"description" yaml:"description"`
	Type          FieldType `json:"type,omitempty" yaml:"type,omitempty"`
	AllowedValues []string  `json:"allowedValues,omitempty" yaml:"allowedValues,omitempty"`
}

// ToolSpec declares one tool a crew member may call during its LLM turn.
type ToolSpec struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty" yaml:"-"`
	Handler     ToolHandler     `json:"-" yaml:"-"`
}

// ToolHandler executes a declared tool and returns a JSON-serializable
// result. Handlers must not retain the context or params slice beyond the
// call and must tolerate cancellation.
type ToolHandler func(ctx ToolContext, params json.RawMessage) (any, error)

// ToolContext is the narrow set of collaborators a tool handler may need.
// It deliberately exposes no access to the dispatch event sink: handlers
// report results by return value, not by emitting events directly.
type ToolContext struct {
	ConversationID string
	CrewName       string
}

// KnowledgeBase configures which external knowledge sources a crew member
// may draw on. Resolution of Sources into provider-specific store
// identifiers is delegated to a KBResolver; this package only carries the
// declared intent.
type KnowledgeBase struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Sources []string `json:"sources,omitempty" yaml:"sources,omitempty"`
}

// Member is a single crew member definition. Most fields mirror a crew
// record's on-disk or database representation one-to-one; the lifecycle
// hooks below give specialised crews a way to override default behavior in
// code while still being loaded declaratively.
type Member struct {
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	IsDefault   bool   `json:"isDefault,omitempty" yaml:"isDefault,omitempty"`

	Guidance string `json:"guidance,omitempty" yaml:"guidance,omitempty"`
	Persona  string `json:"persona,omitempty" yaml:"persona,omitempty"`

	Model     string `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`

	Tools         []ToolSpec    `json:"tools,omitempty" yaml:"-"`
	KnowledgeBase KnowledgeBase `json:"knowledgeBase,omitempty" yaml:"knowledgeBase,omitempty"`

	FieldsToCollect []FieldSpec    `json:"fieldsToCollect,omitempty" yaml:"fieldsToCollect,omitempty"`
	ExtractionMode  ExtractionMode `json:"extractionMode,omitempty" yaml:"extractionMode,omitempty"`

	TransitionTo           string `json:"transitionTo,omitempty" yaml:"transitionTo,omitempty"`
	TransitionSystemPrompt string `json:"transitionSystemPrompt,omitempty" yaml:"transitionSystemPrompt,omitempty"`
	OneShot                bool   `json:"oneShot,omitempty" yaml:"oneShot,omitempty"`

	Source Source `json:"source,omitempty" yaml:"-"`

	// Hooks, when set, override the default behavior documented on each
	// Member method. All are optional.
	Hooks Hooks `json:"-" yaml:"-"`
}

// Hooks holds the optional lifecycle overrides for a Member. A nil function
// pointer means "use the default behavior" as specified for each hook.
type Hooks struct {
	BuildContext         func(m *Member, params ContextParams) map[string]any
	PreProcess           func(m *Member, message string, ctx map[string]any) string
	PostProcess          func(m *Member, response string, ctx map[string]any) string
	GetFieldsForExtraction func(m *Member, collected map[string]string) []FieldSpec
	PreMessageTransfer   func(m *Member, collected map[string]string) bool
	PostMessageTransfer  func(m *Member, collected map[string]string) bool
	CheckTransition      func(m *Member, turn TurnResult) *TransitionDecision
}

// ContextParams is the input to BuildContext: identifiers the dispatcher
// always knows and must inject before invoking the hook.
type ContextParams struct {
	UserID         string
	ConversationID string
}

// TurnResult is what CheckTransition inspects to decide on a legacy,
// non-field-driven transition.
type TurnResult struct {
	UserMessage      string
	AssistantResponse string
}

// TransitionDecision is the result of a transition check, whether
// field-driven or legacy.
type TransitionDecision struct {
	TargetCrew string
	Reason     string
}

// EffectiveExtractionMode returns m.ExtractionMode, defaulting to
// ExtractionConversational when unset.
func (m *Member) EffectiveExtractionMode() ExtractionMode {
	if m.ExtractionMode == "" {
		return ExtractionConversational
	}
	return m.ExtractionMode
}

// HasFieldsToCollect reports whether this crew member participates in field
// extraction at all. A crew with no declared fields is served directly
// (mode A in the dispatcher) with no extractor call.
func (m *Member) HasFieldsToCollect() bool {
	return len(m.FieldsToCollect) > 0
}

// BuildContext composes the "Current Context" block injected into the
// system prompt. The default implementation auto-injects Persona under
// characterGuidance; a crew-specific hook may replace this entirely.
func (m *Member) BuildContext(params ContextParams) map[string]any {
	if m.Hooks.BuildContext != nil {
		return m.Hooks.BuildContext(m, params)
	}
	ctx := map[string]any{
		"conversationId": params.ConversationID,
	}
	if params.UserID != "" {
		ctx["userId"] = params.UserID
	}
	if m.Persona != "" {
		ctx["characterGuidance"] = m.Persona
	}
	return ctx
}

// PreProcess rewrites the user's message before it reaches the model. The
// default is the identity function.
func (m *Member) PreProcess(message string, ctx map[string]any) string {
	if m.Hooks.PreProcess != nil {
		return m.Hooks.PreProcess(m, message, ctx)
	}
	return message
}

// PostProcess rewrites the assistant's response. The default is the
// identity function.
func (m *Member) PostProcess(response string, ctx map[string]any) string {
	if m.Hooks.PostProcess != nil {
		return m.Hooks.PostProcess(m, response, ctx)
	}
	return response
}

// FieldsForExtraction returns the subset of FieldsToCollect the extractor
// should attempt to fill on this turn. The default returns every declared
// field; specialised crews may expose fields gradually.
func (m *Member) FieldsForExtraction(collected map[string]string) []FieldSpec {
	if m.Hooks.GetFieldsForExtraction != nil {
		return m.Hooks.GetFieldsForExtraction(m, collected)
	}
	return m.FieldsToCollect
}

// PreMessageTransfer decides whether to discard the in-flight buffered
// response and transition immediately. The default transitions once every
// declared field has a collected value and TransitionTo is set.
func (m *Member) PreMessageTransfer(collected map[string]string) bool {
	if m.Hooks.PreMessageTransfer != nil {
		return m.Hooks.PreMessageTransfer(m, collected)
	}
	if m.TransitionTo == "" || !m.HasFieldsToCollect() {
		return false
	}
	for _, f := range m.FieldsToCollect {
		if _, ok := collected[f.Name]; !ok {
			return false
		}
	}
	return true
}

// PostMessageTransfer decides whether to transition after the response has
// already been delivered, effective starting with the next user message.
// The default mirrors PreMessageTransfer's field-completeness check, plus
// the OneShot shortcut.
func (m *Member) PostMessageTransfer(collected map[string]string) bool {
	if m.Hooks.PostMessageTransfer != nil {
		return m.Hooks.PostMessageTransfer(m, collected)
	}
	if m.TransitionTo == "" {
		return false
	}
	if m.OneShot {
		return true
	}
	if !m.HasFieldsToCollect() {
		return false
	}
	for _, f := range m.FieldsToCollect {
		if _, ok := collected[f.Name]; !ok {
			return false
		}
	}
	return true
}

// CheckTransition is the legacy, non-field-driven transition hook. The
// default never transitions.
func (m *Member) CheckTransition(turn TurnResult) *TransitionDecision {
	if m.Hooks.CheckTransition != nil {
		return m.Hooks.CheckTransition(m, turn)
	}
	return nil
}

// ToJSON returns a client-facing descriptive snapshot of the crew member,
// omitting prompt text, tool handlers, and hooks.
func (m *Member) ToJSON() ([]byte, error) {
	snapshot := struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName,omitempty"`
		Description string `json:"description,omitempty"`
	}{
		Name:        m.Name,
		DisplayName: m.DisplayName,
		Description: m.Description,
	}
	return json.Marshal(snapshot)
}

// Clone returns a deep-enough copy of m for safe concurrent reads; Hooks and
// ToolSpec.Handler are function values and are copied by reference, as
// functions have no deep-copy semantics in Go.
func (m *Member) Clone() *Member {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Tools != nil {
		clone.Tools = make([]ToolSpec, len(m.Tools))
		copy(clone.Tools, m.Tools)
	}
	if m.FieldsToCollect != nil {
		clone.FieldsToCollect = make([]FieldSpec, len(m.FieldsToCollect))
		copy(clone.FieldsToCollect, m.FieldsToCollect)
	}
	if m.KnowledgeBase.Sources != nil {
		clone.KnowledgeBase.Sources = append([]string(nil), m.KnowledgeBase.Sources...)
	}
	return &clone
}
