package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/crewbridge/dispatcher/internal/agent"
	"github.com/crewbridge/dispatcher/internal/crew"
	"github.com/crewbridge/dispatcher/internal/extractor"
	"github.com/crewbridge/dispatcher/internal/fields"
	"github.com/crewbridge/dispatcher/internal/sessions"
	"github.com/crewbridge/dispatcher/pkg/models"
)

// ErrNoCrewForAgent is returned when crew resolution exhausts every
// precedence step without finding a usable crew member.
var ErrNoCrewForAgent = errors.New("dispatch: no crew member found for agent")

// ErrNoStoredPrompt indicates a PromptStore has nothing for this crew,
// falling back to the crew's code-defined guidance.
var ErrNoStoredPrompt = errors.New("dispatch: no stored prompt for crew")

var tracer = otel.Tracer("github.com/crewbridge/dispatcher/internal/dispatch")

// Metrics groups the dispatcher's Prometheus collectors. Callers register
// these against their own registry; NewDefaultMetrics gives sane defaults
// for a single process.
type Metrics struct {
	GateLatency       prometheus.Histogram
	TransitionsFired  prometheus.Counter
	ExtractorFailures prometheus.Counter
}

// NewDefaultMetrics constructs a Metrics with reasonable bucket boundaries,
// unregistered against any collector until the caller does so.
func NewDefaultMetrics() *Metrics {
	return &Metrics{
		GateLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatcher_gate_latency_seconds",
			Help:    "Time from extractor start to the gate decision in buffered dispatches.",
			Buckets: prometheus.DefBuckets,
		}),
		TransitionsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_transitions_fired_total",
			Help: "Number of crew transitions fired, pre- or post-message.",
		}),
		ExtractorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_extractor_failures_total",
			Help: "Number of field-extraction calls that degraded to an empty result.",
		}),
	}
}

// Dispatcher is the central routing component. Construct one per process
// (or per agent suite) and share it across requests; all state it owns is
// safe for concurrent use across different conversations.
type Dispatcher struct {
	registry    *crew.Registry
	fieldsCache *fields.Cache
	extractor   *extractor.Extractor
	providers   ProviderResolver
	conversations ConversationStore
	prompts     PromptStore
	kb          KBResolver
	locker      sessions.Locker
	logger      *slog.Logger
	metrics     *Metrics

	// ToolDispatchTimeout bounds a single tool handler invocation. Zero
	// means no timeout beyond the parent context.
	ToolDispatchTimeout time.Duration

	// MaxToolIterations bounds the inner tool-call loop.
	MaxToolIterations int
}

// ProviderResolver maps a model identifier to the LLMProvider that should
// serve it, inferring the provider family from the model name's prefix.
type ProviderResolver interface {
	Resolve(model string) (agent.LLMProvider, error)
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

func WithPromptStore(store PromptStore) Option    { return func(d *Dispatcher) { d.prompts = store } }
func WithKBResolver(kb KBResolver) Option         { return func(d *Dispatcher) { d.kb = kb } }
func WithLogger(logger *slog.Logger) Option       { return func(d *Dispatcher) { d.logger = logger } }
func WithMetrics(m *Metrics) Option               { return func(d *Dispatcher) { d.metrics = m } }
func WithLocker(locker sessions.Locker) Option    { return func(d *Dispatcher) { d.locker = locker } }

// New constructs a Dispatcher from its required collaborators.
func New(
	registry *crew.Registry,
	fieldsCache *fields.Cache,
	ext *extractor.Extractor,
	providers ProviderResolver,
	conversations ConversationStore,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		registry:          registry,
		fieldsCache:       fieldsCache,
		extractor:         ext,
		providers:         providers,
		conversations:     conversations,
		kb:                NoopKBResolver{},
		logger:            slog.Default(),
		metrics:           NewDefaultMetrics(),
		MaxToolIterations: 10,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.locker == nil {
		d.locker = sessions.NewLocalLocker(30 * time.Second)
	}
	return d
}

// Dispatch processes req end to end and returns the event channel. The
// channel is closed after a terminal models.DispatchEventDone event, which
// is sent even when the dispatch fails; a fatal error is logged and is not
// sent to the client as an event. Dispatch
// acquires req.ConversationID's per-conversation serial lock for the
// duration of the returned sequence; the caller must drain the channel (or
// cancel ctx) so the lock is released promptly.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (<-chan models.DispatchEvent, error) {
	if err := d.locker.Lock(ctx, req.ConversationID); err != nil {
		return nil, fmt.Errorf("dispatch: acquire conversation lock: %w", err)
	}

	ctx, span := tracer.Start(ctx, "dispatch.Dispatch",
		trace.WithAttributes(
			attribute.String("dispatch_id", newDispatchID()),
			attribute.String("conversation_id", req.ConversationID),
			attribute.String("agent", req.AgentName),
		))

	out := make(chan models.DispatchEvent, 16)
	go func() {
		defer close(out)
		defer span.End()
		defer d.locker.Unlock(req.ConversationID)

		if err := d.run(ctx, req, out); err != nil {
			d.logger.Error("dispatch: fatal error", slog.String("conversation_id", req.ConversationID), slog.Any("error", err))
		}
		out <- models.Done()
	}()

	return out, nil
}

// run resolves the current crew and executes the matching mode. It returns
// an error when the conversation cannot be loaded, no crew can be resolved,
// or the crew's provider cannot be resolved or fails; other collaborator
// failures (history, fields, prompt store, bookkeeping) are logged and
// degrade functionality instead of returning an error here.
func (d *Dispatcher) run(ctx context.Context, req Request, out chan<- models.DispatchEvent) error {
	session, err := d.conversations.Get(ctx, req.ConversationID)
	if err != nil {
		return fmt.Errorf("dispatch: load conversation: %w", err)
	}

	member, err := d.resolveCrew(ctx, req, session)
	if err != nil {
		return err
	}

	if err := d.conversations.AppendHistory(ctx, req.ConversationID, "user", req.Message); err != nil {
		d.logger.Warn("dispatch: failed to append user turn", slog.Any("error", err))
	}

	if !member.HasFieldsToCollect() {
		// Mode A: no coordination overhead.
		return d.streamCrew(ctx, req, member, out)
	}

	collected, err := d.fieldsCache.GetCollectedFields(ctx, req.ConversationID)
	if err != nil {
		d.logger.Warn("dispatch: collected-fields load failed", slog.Any("error", err))
		collected = map[string]string{}
	}
	missing, err := d.fieldsCache.GetMissingFields(ctx, req.ConversationID, fieldNames(member.FieldsForExtraction(collected)))
	if err != nil {
		missing = fieldNames(member.FieldsForExtraction(collected))
	}

	if len(missing) == 0 && member.PreMessageTransfer(collected) {
		// Mode B: transition without invoking the LLM at all.
		return d.transferAndStream(ctx, req, member, "fields already satisfied", out)
	}

	// Mode C: buffered parallel execution with the gate.
	return d.runBuffered(ctx, req, member, collected, out)
}

func fieldNames(specs []crew.FieldSpec) []string {
	names := make([]string, len(specs))
	for i, f := range specs {
		names[i] = f.Name
	}
	return names
}

// resolveCrew implements the crew-resolution precedence chain: an explicit
// override, then the session's current crew member, then the agent's
// default crew.
func (d *Dispatcher) resolveCrew(ctx context.Context, req Request, session *models.Session) (*crew.Member, error) {
	if _, err := d.registry.LoadCrewForAgent(ctx, req.AgentName); err != nil {
		return nil, fmt.Errorf("dispatch: load crew registry: %w", err)
	}

	if req.OverrideCrewMember != "" {
		if m, ok := d.registry.GetCrewMember(req.AgentName, req.OverrideCrewMember); ok {
			return m, nil
		}
	}

	current := currentCrewMember(session)
	if current != "" {
		if m, ok := d.registry.GetCrewMember(req.AgentName, current); ok {
			return m, nil
		}
	}

	if m, ok := d.registry.GetDefaultCrew(req.AgentName); ok {
		return m, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNoCrewForAgent, req.AgentName)
}

// currentCrewMember reads session.CurrentCrewMember, falling back to
// metadata["currentCrewMember"] for records written before the top-level
// field existed.
func currentCrewMember(session *models.Session) string {
	if session == nil {
		return ""
	}
	if session.CurrentCrewMember != "" {
		return session.CurrentCrewMember
	}
	if session.Metadata == nil {
		return ""
	}
	if v, ok := session.Metadata[string(models.MetaCurrentCrewMember)]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// transferAndStream performs a transition with no buffered response to
// discard (mode B, or the tail of mode C after a gate "transfer" verdict)
// and then streams the target crew via mode A.
func (d *Dispatcher) transferAndStream(ctx context.Context, req Request, from *crew.Member, reason string, out chan<- models.DispatchEvent) error {
	target, ok := d.registry.GetCrewMember(req.AgentName, from.TransitionTo)
	if !ok {
		d.logger.Warn("dispatch: transition target missing, dropping transition",
			slog.String("from", from.Name), slog.String("target", from.TransitionTo))
		return d.streamCrew(ctx, req, from, out)
	}

	record := TransitionRecord{From: from.Name, To: target.Name, Reason: reason, Timestamp: time.Now()}
	if err := d.conversations.SetCurrentCrewMember(ctx, req.ConversationID, target.Name); err != nil {
		d.logger.Warn("dispatch: failed to persist current crew member", slog.Any("error", err))
	}
	d.metrics.TransitionsFired.Inc()

	out <- models.DispatchEvent{Type: models.DispatchEventCrewTransition, CrewTransition: &models.CrewTransitionPayload{
		From: record.From, To: record.To, Reason: record.Reason, Timestamp: record.Timestamp,
	}}
	out <- models.DispatchEvent{Type: models.DispatchEventCrewInfo, CrewInfo: &models.CrewInfoPayload{
		Name: target.Name, DisplayName: target.DisplayName, Description: target.Description,
	}}

	return d.streamCrew(ctx, req, target, out)
}

// newDispatchID generates a correlation id for tracing/logging purposes.
func newDispatchID() string {
	return uuid.NewString()
}
