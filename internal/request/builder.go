// Package request assembles the outbound payload sent to the decision service.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hitl/internal/logging"
	"github.com/rendis/hitl/pkg/schema"
)

// FormChecker validates a parsed structured-form definition in strict mode.
type FormChecker interface {
	ValidateForm(form json.RawMessage) error
}

// Input carries everything Build needs for one invocation.
type Input struct {
	Params        schema.StepParams
	Credentials   schema.Credentials
	Item          map[string]any
	Workflow      schema.WorkflowIdentity
	ExecutionID   string
	PublicBaseURL string
	WebhookPath   string
}

// Builder turns step parameters into an OutboundPayload.
type Builder struct {
	now        func() time.Time
	newToken   func() string
	strictForm bool
	forms      FormChecker
	logger     *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the builder clock.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithTokenSource overrides correlation token generation.
func WithTokenSource(fn func() string) Option {
	return func(b *Builder) { b.newToken = fn }
}

// WithStrictFormSchema makes a malformed formSchema a CONFIGURATION_ERROR
// instead of an empty object. forms may be nil.
func WithStrictFormSchema(forms FormChecker) Option {
	return func(b *Builder) {
		b.strictForm = true
		b.forms = forms
	}
}

// WithLogger sets the builder logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder creates a Builder with UUIDv4 tokens and the wall clock.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		now:      func() time.Time { return time.Now().UTC() },
		newToken: func() string { return uuid.NewString() },
		logger:   logging.Nop(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build produces the outbound payload. Malformed optional JSON is coerced to
// an empty object; only strict form validation can fail.
func (b *Builder) Build(ctx context.Context, in Input) (*schema.OutboundPayload, error) {
	log := logging.LogWith(ctx, b.logger)
	p := in.Params

	shape := p.ResponseShape
	var form json.RawMessage
	if shape == schema.ShapeStructuredForm {
		parsed, ok := ParseObject(p.FormSchema)
		if !ok {
			if b.strictForm {
				return nil, schema.NewError(schema.ErrCodeConfiguration, "formSchema is not a valid JSON object")
			}
			log.Warn("formSchema is not a JSON object, sending empty form")
		}
		if b.strictForm && b.forms != nil {
			if err := b.forms.ValidateForm(parsed); err != nil {
				return nil, schema.NewError(schema.ErrCodeConfiguration, "formSchema failed validation").WithCause(err)
			}
		}
		form = parsed
	}

	metadata := parseMap(in.Credentials.Metadata)
	additional := parseMap(p.AdditionalData)

	priority := p.Options.Priority
	if !priority.Valid() {
		priority = schema.PriorityNormal
	}
	timeout := p.Options.TimeoutMinutes
	if timeout < 0 {
		timeout = 0
	}

	inputData := in.Item
	if inputData == nil {
		inputData = map[string]any{}
	}

	return &schema.OutboundPayload{
		CorrelationToken: b.newToken(),
		Title:            p.Title,
		Message:          p.Message,
		ResponseShape:    shape,
		FormSchema:       form,
		CallbackURL:      CallbackURL(in.PublicBaseURL, in.ExecutionID, in.WebhookPath),
		Priority:         priority,
		TimeoutMinutes:   timeout,
		Assignee:         strings.TrimSpace(p.Options.Assignee),
		Tags:             ParseTags(p.Options.Tags),
		Metadata:         metadata,
		AdditionalData:   additional,
		InputData:        inputData,
		WorkflowID:       in.Workflow.ID,
		WorkflowName:     in.Workflow.Name,
		ExecutionID:      in.ExecutionID,
		CreatedAt:        schema.FormatTime(b.now()),
	}, nil
}

// BaseURL strips one trailing slash from the decision service base URL.
func BaseURL(raw string) string {
	return strings.TrimSuffix(raw, "/")
}

// CallbackURL is where the decision service posts the human's answer.
func CallbackURL(publicBase, executionID, webhookPath string) string {
	if webhookPath == "" {
		webhookPath = schema.DefaultWebhookPath
	}
	return strings.TrimSuffix(publicBase, "/") + schema.WaitingWebhookPrefix + executionID + "/" + webhookPath
}

// ParseTags splits on commas, trims each fragment and drops empties, keeping order.
func ParseTags(raw string) []string {
	tags := []string{}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// ParseObject compacts raw when it is a JSON object. Anything else yields
// `{}` and false.
func ParseObject(raw string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage(`{}`), true
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil || probe == nil {
		return json.RawMessage(`{}`), false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(trimmed)); err != nil {
		return json.RawMessage(`{}`), false
	}
	return json.RawMessage(buf.Bytes()), true
}

func parseMap(raw string) map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
