// Package dispatch implements the dispatcher: the component that routes one
// user message through crew resolution, the buffered parallel
// extractor/stream execution model, and crew transitions, producing a lazy
// sequence of models.DispatchEvent.
package dispatch

import (
	"context"
	"time"

	"github.com/crewbridge/dispatcher/pkg/models"
)

// Request is one dispatch invocation's input payload.
type Request struct {
	Message            string
	ConversationID     string
	AgentName          string
	OverrideCrewMember string
	UseKnowledgeBase   bool
	Debug              bool
	PromptOverrides    map[string]string
	ModelOverrides     map[string]string
}

// ConversationStore is the persistence boundary for conversation state the
// dispatcher reads and writes: the current crew member and the two reserved
// metadata keys. Implementations must honor the read-compat/write-single-
// location rule for CurrentCrewMember (see pkg/models.Session).
type ConversationStore interface {
	Get(ctx context.Context, conversationID string) (*models.Session, error)
	SetCurrentCrewMember(ctx context.Context, conversationID, crewName string) error
	GetLastCrewWithTransitionPrompt(ctx context.Context, conversationID string) (string, error)
	SetLastCrewWithTransitionPrompt(ctx context.Context, conversationID, crewName string) error
	AppendHistory(ctx context.Context, conversationID string, role, content string) error
	RecentHistory(ctx context.Context, conversationID string, limit int) ([]HistoryTurn, error)
}

// HistoryTurn is one entry of a conversation's persisted history.
type HistoryTurn struct {
	Role    string
	Content string
}

// PromptStore resolves a crew's effective prompt and transition system
// prompt from stored, operator-editable versions. A nil PromptStore (or one
// returning ErrNoStoredPrompt) falls back to the crew's code-defined values.
type PromptStore interface {
	ActivePrompt(ctx context.Context, agentName, crewName string) (string, error)
	ActiveTransitionPrompt(ctx context.Context, agentName, crewName string) (string, error)
}

// KBResolver turns a crew's declared knowledge-base source names into
// provider-specific store identifiers. The default NoopKBResolver always
// resolves to zero identifiers, matching the "vector-store provisioning is
// out of scope" boundary: the dispatcher only consumes this interface.
type KBResolver interface {
	Resolve(ctx context.Context, sources []string) ([]string, error)
}

// NoopKBResolver is the default KBResolver collaborator.
type NoopKBResolver struct{}

// Resolve always returns no identifiers.
func (NoopKBResolver) Resolve(ctx context.Context, sources []string) ([]string, error) {
	return nil, nil
}

// TransitionRecord describes a crew-member handoff, whether decided before
// or after the turn's response was delivered.
type TransitionRecord struct {
	From      string
	To        string
	Reason    string
	Timestamp time.Time
}
