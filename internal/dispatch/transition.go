package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/crewbridge/dispatcher/internal/crew"
)

// applyPostResponseTransition runs once the turn's response is fully
// delivered: it checks the field-driven postMessageTransfer hook first;
// only consult the legacy checkTransition hook when it returns false. The
// resulting transition, if any, is persisted but not emitted as an event —
// its effect is only visible starting with the conversation's next turn.
func (d *Dispatcher) applyPostResponseTransition(ctx context.Context, req Request, member *crew.Member, assistantText string) error {
	if member.TransitionTo != "" {
		collected, err := d.fieldsCache.GetCollectedFields(ctx, req.ConversationID)
		if err != nil {
			d.logger.Warn("dispatch: collected-fields load failed during post-response transition check", slog.Any("error", err))
			collected = map[string]string{}
		}
		if member.PostMessageTransfer(collected) {
			return d.persistTransition(ctx, req, member.Name, member.TransitionTo, "post-message field completion")
		}
	}

	decision := member.CheckTransition(crew.TurnResult{UserMessage: req.Message, AssistantResponse: assistantText})
	if decision == nil || decision.TargetCrew == "" {
		return nil
	}
	if _, ok := d.registry.GetCrewMember(req.AgentName, decision.TargetCrew); !ok {
		d.logger.Warn("dispatch: checkTransition target missing, dropping",
			slog.String("from", member.Name), slog.String("target", decision.TargetCrew))
		return nil
	}
	return d.persistTransition(ctx, req, member.Name, decision.TargetCrew, decision.Reason)
}

func (d *Dispatcher) persistTransition(ctx context.Context, req Request, from, to, reason string) error {
	if err := d.conversations.SetCurrentCrewMember(ctx, req.ConversationID, to); err != nil {
		d.logger.Warn("dispatch: failed to persist post-response transition", slog.Any("error", err))
		return nil
	}
	d.metrics.TransitionsFired.Inc()
	d.logger.Info("dispatch: post-response transition recorded for next turn",
		slog.String("conversation_id", req.ConversationID),
		slog.String("from", from), slog.String("to", to), slog.String("reason", reason),
		slog.Time("timestamp", time.Now()))
	return nil
}
