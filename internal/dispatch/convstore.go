package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/crewbridge/dispatcher/internal/sessions"
	"github.com/crewbridge/dispatcher/pkg/models"
)

// SessionConversationStore adapts a sessions.Store (the session/message
// persistence the rest of the codebase already uses) to the dispatcher's
// narrower ConversationStore contract. A conversation is a session; see the
// doc comment on models.Session.CurrentCrewMember for the back-compat rule
// this adapter follows for the two reserved metadata keys.
type SessionConversationStore struct {
	store sessions.Store
}

// NewSessionConversationStore wraps store for use as a dispatch.ConversationStore.
func NewSessionConversationStore(store sessions.Store) *SessionConversationStore {
	return &SessionConversationStore{store: store}
}

func (s *SessionConversationStore) Get(ctx context.Context, conversationID string) (*models.Session, error) {
	return s.store.Get(ctx, conversationID)
}

func (s *SessionConversationStore) SetCurrentCrewMember(ctx context.Context, conversationID, crewName string) error {
	return s.store.SetCurrentCrewMember(ctx, conversationID, crewName)
}

func (s *SessionConversationStore) GetLastCrewWithTransitionPrompt(ctx context.Context, conversationID string) (string, error) {
	session, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("dispatch: load conversation for transition-prompt bookkeeping: %w", err)
	}
	if session.Metadata == nil {
		return "", nil
	}
	if v, ok := session.Metadata[string(models.MetaLastCrewWithTransitionPrompt)]; ok {
		if name, ok := v.(string); ok {
			return name, nil
		}
	}
	return "", nil
}

func (s *SessionConversationStore) SetLastCrewWithTransitionPrompt(ctx context.Context, conversationID, crewName string) error {
	session, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("dispatch: load conversation for transition-prompt bookkeeping: %w", err)
	}
	if session.Metadata == nil {
		session.Metadata = map[string]any{}
	}
	session.Metadata[string(models.MetaLastCrewWithTransitionPrompt)] = crewName
	if err := s.store.Update(ctx, session); err != nil {
		return fmt.Errorf("dispatch: persist transition-prompt bookkeeping: %w", err)
	}
	return nil
}

func (s *SessionConversationStore) AppendHistory(ctx context.Context, conversationID string, role, content string) error {
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: conversationID,
		Role:      models.Role(role),
		Content:   content,
	}
	if err := s.store.AppendMessage(ctx, conversationID, msg); err != nil {
		return fmt.Errorf("dispatch: append history: %w", err)
	}
	return nil
}

func (s *SessionConversationStore) RecentHistory(ctx context.Context, conversationID string, limit int) ([]HistoryTurn, error) {
	messages, err := s.store.GetHistory(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load recent history: %w", err)
	}
	turns := make([]HistoryTurn, 0, len(messages))
	for _, msg := range messages {
		turns = append(turns, HistoryTurn{Role: string(msg.Role), Content: msg.Content})
	}
	return turns, nil
}
