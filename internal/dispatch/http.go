package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/crewbridge/dispatcher/pkg/models"
)

// Handler exposes a Dispatcher as an HTTP endpoint streaming
// text/event-stream. One request is one Dispatch call; the response stays
// open, chunked, until the underlying event channel yields done or the
// client disconnects.
type Handler struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewHandler wraps dispatcher for HTTP use. A nil logger uses slog.Default().
func NewHandler(dispatcher *Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{dispatcher: dispatcher, logger: logger}
}

// httpRequest is the JSON body accepted by ServeHTTP.
type httpRequest struct {
	Message            string            `json:"message"`
	ConversationID     string            `json:"conversationId"`
	AgentName          string            `json:"agentName"`
	OverrideCrewMember string            `json:"overrideCrewMember,omitempty"`
	UseKnowledgeBase   bool              `json:"useKnowledgeBase,omitempty"`
	Debug              bool              `json:"debug,omitempty"`
	PromptOverrides    map[string]string `json:"promptOverrides,omitempty"`
	ModelOverrides     map[string]string `json:"modelOverrides,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body httpRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if body.ConversationID == "" || body.AgentName == "" {
		http.Error(w, "conversationId and agentName are required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, err := h.dispatcher.Dispatch(r.Context(), Request{
		Message:            body.Message,
		ConversationID:     body.ConversationID,
		AgentName:          body.AgentName,
		OverrideCrewMember: body.OverrideCrewMember,
		UseKnowledgeBase:   body.UseKnowledgeBase,
		Debug:              body.Debug,
		PromptOverrides:    body.PromptOverrides,
		ModelOverrides:     body.ModelOverrides,
	})
	if err != nil {
		if errors.Is(err, ErrNoCrewForAgent) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Flush a comment immediately so intermediary proxies that buffer until
	// the first byte don't hold the stream open empty-handed.
	fmt.Fprint(w, ":ok\n\n")
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, event); err != nil {
				h.logger.Warn("dispatch: failed to write SSE event", slog.Any("error", err))
				return
			}
			flusher.Flush()
			if event.Type == models.DispatchEventDone {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event models.DispatchEvent) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("dispatch: encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", encoded); err != nil {
		return fmt.Errorf("dispatch: write event: %w", err)
	}
	return nil
}
