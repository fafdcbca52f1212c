// Package extractor implements the field-extraction micro-agent: a
// stateless, single-call LLM service that turns recent conversation text
// into structured field values for the dispatcher's collected-fields cache.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/crewbridge/dispatcher/internal/agent"
	"github.com/crewbridge/dispatcher/internal/crew"
)

// FieldValue is one extracted or corrected field, in the order the
// extractor's model emitted it.
type FieldValue struct {
	Name  string
	Value string
}

// Result is the extractor's output contract. ExtractedFields and
// Corrections preserve the order fields appeared in the model's JSON
// object, since the dispatcher's field_extracted events must be emitted in
// that same order rather than Go's randomized map order.
type Result struct {
	ExtractedFields []FieldValue
	Corrections     []FieldValue
	RemainingFields []string `json:"remainingFields"`
}

// empty returns the result used whenever the extractor degrades: nothing
// extracted, every declared field still missing.
func empty(missing []string) Result {
	return Result{RemainingFields: append([]string(nil), missing...)}
}

// Turn is one message in the recent conversation window, most-recent last.
type Turn struct {
	Role    string // "user" | "assistant"
	Content string
}

// Request is the extractor's input contract.
type Request struct {
	RecentTurns      []Turn
	MissingFields    []crew.FieldSpec
	CollectedFields  map[string]string
	Mode             crew.ExtractionMode
	// Model, when set, overrides the default lighter-tier model used for
	// conversational extraction; form-mode extraction always prefers a
	// stronger tier unless Model is set.
	Model string
}

// Extractor runs the micro-agent against a configured LLMProvider.
type Extractor struct {
	provider agent.LLMProvider
	logger   *slog.Logger

	// ConversationalModel and FormModel pick the default model tier per
	// extraction mode when Request.Model is empty.
	ConversationalModel string
	FormModel           string
}

// New creates an Extractor backed by provider.
func New(provider agent.LLMProvider, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		provider:            provider,
		logger:              logger,
		ConversationalModel: "claude-haiku-4-5",
		FormModel:           "claude-sonnet-4-5",
	}
}

// Extract runs one extraction pass. It never returns an error: any failure
// (timeout, invalid JSON, provider error) degrades to the empty result per
// the dispatcher's failure-tolerance contract, and is logged instead.
func (e *Extractor) Extract(ctx context.Context, req Request) Result {
	missing := fieldNames(req.MissingFields)
	if len(req.MissingFields) == 0 {
		return empty(nil)
	}

	model := req.Model
	if model == "" {
		if req.Mode == crew.ExtractionForm {
			model = e.FormModel
		} else {
			model = e.ConversationalModel
		}
	}

	prompt := buildPrompt(req)
	messages := buildMessages(req)

	out, err := e.call(ctx, model, prompt, messages)
	if err != nil {
		e.logger.Warn("extractor: call failed, treating as nothing extracted", slog.Any("error", err))
		return empty(missing)
	}

	result, err := parseResult(out, req.MissingFields, req.Mode)
	if err != nil {
		e.logger.Warn("extractor: invalid output, treating as nothing extracted", slog.Any("error", err))
		return empty(missing)
	}
	return result
}

func fieldNames(fields []crew.FieldSpec) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// buildPrompt encodes the typed-field constraints: boolean fields may only
// resolve to "true"/"false", enum fields must match one of AllowedValues
// verbatim, untyped fields pass through the raw phrase.
func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Extract the following fields from the conversation. ")
	b.WriteString("Respond with a single JSON object: {\"extractedFields\": {...}, \"corrections\": {...}, \"remainingFields\": [...]}.\n")
	if req.Mode == crew.ExtractionForm {
		b.WriteString("This is a form: an explicit negative answer (\"no\", \"none\", \"N/A\") is a valid collected value, not an unanswered field. ")
		b.WriteString("Only populate corrections when the user uses an explicit repair cue (\"actually\", \"I meant\", \"let me fix that\") or re-affirms a field previously set to a negative value.\n")
	} else {
		b.WriteString("This is conversational: if the user has not clearly addressed a field, leave it out of extractedFields. ")
		b.WriteString("An affirmative reply to a yes/no question satisfies a boolean/confirmation field.\n")
	}
	b.WriteString("Fields:\n")
	for _, f := range req.MissingFields {
		b.WriteString(fmt.Sprintf("- %s (%s): %s", f.Name, fieldTypeLabel(f), f.Description))
		if f.Type == crew.FieldEnum && len(f.AllowedValues) > 0 {
			b.WriteString(" Allowed values: " + strings.Join(f.AllowedValues, ", ") + ".")
		}
		if f.Type == crew.FieldBoolean {
			b.WriteString(" Output exactly \"true\" or \"false\".")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func fieldTypeLabel(f crew.FieldSpec) string {
	if f.Type == "" {
		return "text"
	}
	return string(f.Type)
}

func buildMessages(req Request) []agent.CompletionMessage {
	turns := req.RecentTurns
	if req.Mode == crew.ExtractionForm {
		// Form mode only considers the immediately preceding assistant turn
		// and the latest user turn.
		turns = lastAssistantAndUser(turns)
	}
	messages := make([]agent.CompletionMessage, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, agent.CompletionMessage{Role: t.Role, Content: t.Content})
	}
	return messages
}

func lastAssistantAndUser(turns []Turn) []Turn {
	var lastAssistant *Turn
	var lastUser *Turn
	for i := range turns {
		t := turns[i]
		switch t.Role {
		case "assistant":
			lastAssistant = &t
		case "user":
			lastUser = &t
		}
	}
	out := make([]Turn, 0, 2)
	if lastAssistant != nil {
		out = append(out, *lastAssistant)
	}
	if lastUser != nil {
		out = append(out, *lastUser)
	}
	return out
}

func (e *Extractor) call(ctx context.Context, model, systemPrompt string, messages []agent.CompletionMessage) (string, error) {
	chunks, err := e.provider.Complete(ctx, &agent.CompletionRequest{
		Model:     model,
		System:    systemPrompt,
		Messages:  messages,
		MaxTokens: 1024,
	})
	if err != nil {
		return "", fmt.Errorf("extractor: complete: %w", err)
	}

	var out strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		out.WriteString(chunk.Text)
		if chunk.Done {
			break
		}
	}
	return out.String(), nil
}

// rawResult mirrors Result but keeps the two sub-objects as raw JSON so
// their keys can be decoded in encounter order instead of through Go's
// order-randomizing map unmarshaling.
type rawResult struct {
	ExtractedFields json.RawMessage `json:"extractedFields"`
	Corrections     json.RawMessage `json:"corrections"`
	RemainingFields []string        `json:"remainingFields"`
}

// parseResult validates raw against the output schema, then enforces the
// typed-field constraints field by field; any field whose value violates
// its declared type is silently dropped rather than merged into the cache.
func parseResult(raw string, declared []crew.FieldSpec, mode crew.ExtractionMode) (Result, error) {
	raw = extractJSONObject(raw)
	if raw == "" {
		return Result{}, fmt.Errorf("extractor: no JSON object in output")
	}

	schemaJSON, err := rawResultSchema()
	if err != nil {
		return Result{}, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("result.json", bytes.NewReader(schemaJSON)); err != nil {
		return Result{}, err
	}
	schema, err := compiler.Compile("result.json")
	if err != nil {
		return Result{}, err
	}
	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return Result{}, fmt.Errorf("extractor: decode output: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return Result{}, fmt.Errorf("extractor: output failed schema validation: %w", err)
	}

	var decodedRaw rawResult
	if err := json.Unmarshal([]byte(raw), &decodedRaw); err != nil {
		return Result{}, fmt.Errorf("extractor: decode output: %w", err)
	}

	extracted, err := decodeOrderedStringObject(decodedRaw.ExtractedFields)
	if err != nil {
		return Result{}, fmt.Errorf("extractor: decode extractedFields: %w", err)
	}
	corrections, err := decodeOrderedStringObject(decodedRaw.Corrections)
	if err != nil {
		return Result{}, fmt.Errorf("extractor: decode corrections: %w", err)
	}
	if mode != crew.ExtractionForm {
		corrections = nil
	}

	byName := make(map[string]crew.FieldSpec, len(declared))
	for _, f := range declared {
		byName[f.Name] = f
	}
	return Result{
		ExtractedFields: filterTyped(extracted, byName),
		Corrections:     filterTyped(corrections, byName),
		RemainingFields: decodedRaw.RemainingFields,
	}, nil
}

// decodeOrderedStringObject decodes a JSON object with string values into a
// slice of FieldValue in the order its keys appear in raw. A nil or empty
// raw decodes to a nil slice.
func decodeOrderedStringObject(raw json.RawMessage) ([]FieldValue, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected a JSON object")
	}
	var out []FieldValue
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		var value string
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		out = append(out, FieldValue{Name: key, Value: value})
	}
	if _, err := dec.Token(); err != nil { // consume closing '}'
		return nil, err
	}
	return out, nil
}

func filterTyped(fields []FieldValue, specs map[string]crew.FieldSpec) []FieldValue {
	var out []FieldValue
	for _, f := range fields {
		spec, ok := specs[f.Name]
		if !ok {
			continue
		}
		switch spec.Type {
		case crew.FieldBoolean:
			if f.Value != "true" && f.Value != "false" {
				continue
			}
		case crew.FieldEnum:
			if !containsString(spec.AllowedValues, f.Value) {
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// extractJSONObject finds the first top-level JSON object in s, tolerating
// a model that wraps its answer in prose or a code fence.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
