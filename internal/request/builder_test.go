package request

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rendis/hitl/pkg/schema"
)

var fixedNow = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

func newTestBuilder(opts ...Option) *Builder {
	base := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithTokenSource(func() string { return "T" }),
	}
	return NewBuilder(append(base, opts...)...)
}

func baseInput() Input {
	return Input{
		Params: schema.StepParams{
			Operation:     schema.OperationHITLRequest,
			Title:         "Approve?",
			Message:       "Go?",
			ResponseShape: schema.ShapeAck,
			Options:       schema.StepOptions{TimeoutMinutes: 5},
		},
		Credentials:   schema.Credentials{BaseURL: "https://nebula.example/", Username: "u", Password: "p"},
		Item:          map[string]any{"orderId": float64(42)},
		Workflow:      schema.WorkflowIdentity{ID: "wf-1", Name: "Orders"},
		ExecutionID:   "E",
		PublicBaseURL: "https://host/",
	}
}

func TestBuild_HappyPathAck(t *testing.T) {
	p, err := newTestBuilder().Build(context.Background(), baseInput())
	require.NoError(t, err)

	assert.Equal(t, "T", p.CorrelationToken)
	assert.Equal(t, "https://host/webhook-waiting/E/nebula-hitl-response", p.CallbackURL)
	assert.Equal(t, schema.PriorityNormal, p.Priority)
	assert.Equal(t, 5, p.TimeoutMinutes)
	assert.Equal(t, []string{}, p.Tags)
	assert.Equal(t, map[string]any{}, p.Metadata)
	assert.Equal(t, map[string]any{}, p.AdditionalData)
	assert.Equal(t, "2026-05-01T09:30:00.000Z", p.CreatedAt)
	assert.Nil(t, p.FormSchema)

	b, err := json.Marshal(p)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(b, &wire))
	assert.NotContains(t, wire, "formSchema")
	assert.NotContains(t, wire, "assignee")
	assert.Equal(t, []any{}, wire["tags"])
	assert.Equal(t, "Orders", wire["workflowName"])
	assert.Equal(t, map[string]any{"orderId": float64(42)}, wire["inputData"])
}

func TestBuild_FormSchemaVerbatim(t *testing.T) {
	in := baseInput()
	in.Params.ResponseShape = schema.ShapeStructuredForm
	in.Params.FormSchema = `{"elements": [{"type":"radiogroup","name":"d","choices":["A","B"]}]}`

	p, err := newTestBuilder().Build(context.Background(), in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"elements":[{"type":"radiogroup","name":"d","choices":["A","B"]}]}`, string(p.FormSchema))
}

func TestBuild_MalformedOptionalJSON(t *testing.T) {
	in := baseInput()
	in.Credentials.Metadata = "{not json"
	in.Params.AdditionalData = `[1,2]`
	in.Params.ResponseShape = schema.ShapeStructuredForm
	in.Params.FormSchema = `"just a string"`

	p, err := newTestBuilder().Build(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, p.Metadata)
	assert.Equal(t, map[string]any{}, p.AdditionalData)
	assert.JSONEq(t, `{}`, string(p.FormSchema))
}

type rejectForms struct{}

func (rejectForms) ValidateForm(json.RawMessage) error { return errors.New("missing elements") }

func TestBuild_StrictFormSchema(t *testing.T) {
	in := baseInput()
	in.Params.ResponseShape = schema.ShapeStructuredForm
	in.Params.FormSchema = `{broken`

	_, err := newTestBuilder(WithStrictFormSchema(nil)).Build(context.Background(), in)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))

	in.Params.FormSchema = `{"title":"x"}`
	_, err = newTestBuilder(WithStrictFormSchema(rejectForms{})).Build(context.Background(), in)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}

func TestBuild_OptionsNormalised(t *testing.T) {
	in := baseInput()
	in.Params.Options = schema.StepOptions{
		Priority:       "critical",
		TimeoutMinutes: -3,
		Assignee:       " ops@example.com ",
		Tags:           " a, ,b ,, c",
	}
	in.Credentials.Metadata = `{"tenant":"acme"}`

	p, err := newTestBuilder().Build(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, schema.PriorityNormal, p.Priority)
	assert.Equal(t, 0, p.TimeoutMinutes)
	assert.Equal(t, "ops@example.com", p.Assignee)
	assert.Equal(t, []string{"a", "b", "c"}, p.Tags)
	assert.Equal(t, map[string]any{"tenant": "acme"}, p.Metadata)
}

func TestBuild_DefaultTokenIsUUIDv4(t *testing.T) {
	b := NewBuilder()
	p1, err := b.Build(context.Background(), baseInput())
	require.NoError(t, err)
	p2, err := b.Build(context.Background(), baseInput())
	require.NoError(t, err)

	assert.Len(t, p1.CorrelationToken, 36)
	assert.Equal(t, byte('4'), p1.CorrelationToken[14])
	assert.NotEqual(t, p1.CorrelationToken, p2.CorrelationToken)
}

func TestBaseURLAndCallbackURL(t *testing.T) {
	assert.Equal(t, "https://a.b", BaseURL("https://a.b/"))
	assert.Equal(t, "https://a.b/", BaseURL("https://a.b//"))
	assert.Equal(t, "https://h/webhook-waiting/42/custom", CallbackURL("https://h", "42", "custom"))
	assert.Equal(t, "https://h/webhook-waiting/42/nebula-hitl-response", CallbackURL("https://h/", "42", ""))
}

func TestProperty_ParseTags(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		frags := rapid.SliceOf(rapid.StringMatching(`[ a-z]{0,4}`)).Draw(rt, "fragments")
		raw := strings.Join(frags, ",")

		var want []string
		for _, f := range frags {
			if s := strings.TrimSpace(f); s != "" {
				want = append(want, s)
			}
		}

		got := ParseTags(raw)
		require.NotNil(t, got)
		if len(want) == 0 {
			assert.Empty(t, got)
			return
		}
		assert.Equal(t, want, got)
	})
}
