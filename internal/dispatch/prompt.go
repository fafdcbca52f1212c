package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/crewbridge/dispatcher/internal/crew"
)

// resolvedPrompt is the effective system prompt and model for one crew
// stream invocation, after applying the prompt/model precedence chain.
type resolvedPrompt struct {
	System string
	Model  string
}

// resolvePromptAndModel resolves the effective prompt (session override >
// stored active version > code-defined guidance) and model (session
// override > crew.Model), then prepends the transition system prompt if
// this is the first completed turn under member since control passed to it.
func (d *Dispatcher) resolvePromptAndModel(ctx context.Context, req Request, member *crew.Member) (resolvedPrompt, error) {
	prompt := member.Guidance

	if override, ok := req.PromptOverrides[member.Name]; ok && override != "" {
		prompt = override
	} else if d.prompts != nil {
		if stored, err := d.prompts.ActivePrompt(ctx, req.AgentName, member.Name); err == nil && stored != "" {
			prompt = stored
		} else if err != nil && !errors.Is(err, ErrNoStoredPrompt) {
			d.logger.Warn("dispatch: prompt store failed, falling back to code-defined prompt", slog.Any("error", err))
		}
	}

	model := member.Model
	if override, ok := req.ModelOverrides[member.Name]; ok && override != "" {
		model = override
	}

	transitionPrompt := member.TransitionSystemPrompt
	if d.prompts != nil {
		if stored, err := d.prompts.ActiveTransitionPrompt(ctx, req.AgentName, member.Name); err == nil && stored != "" {
			transitionPrompt = stored
		}
	}

	if transitionPrompt != "" {
		last, err := d.conversations.GetLastCrewWithTransitionPrompt(ctx, req.ConversationID)
		if err != nil {
			d.logger.Warn("dispatch: failed to read transition-prompt bookkeeping", slog.Any("error", err))
		}
		if last != member.Name {
			prompt = transitionPrompt + "\n\n" + prompt
		}
	}

	return resolvedPrompt{System: prompt, Model: model}, nil
}
