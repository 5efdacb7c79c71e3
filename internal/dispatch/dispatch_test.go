package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hitl/pkg/schema"
)

func testPayload() *schema.OutboundPayload {
	return &schema.OutboundPayload{
		CorrelationToken: "T",
		Title:            "Approve?",
		Message:          "Go?",
		ResponseShape:    schema.ShapeAck,
		CallbackURL:      "https://host/webhook-waiting/E/nebula-hitl-response",
		Priority:         schema.PriorityNormal,
		Tags:             []string{},
		Metadata:         map[string]any{},
		AdditionalData:   map[string]any{},
		InputData:        map[string]any{},
		ExecutionID:      "E",
	}
}

func TestDispatch_PostsPayloadWithBasicAuth(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/requests", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "alice", user)
		assert.Equal(t, "s3cret", pass)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ignored"}`))
	}))
	defer srv.Close()

	c := New(Config{})
	err := c.Dispatch(context.Background(), schema.Credentials{BaseURL: srv.URL + "/", Username: "alice", Password: "s3cret"}, testPayload())
	require.NoError(t, err)
	assert.Equal(t, "T", got["correlationToken"])
	assert.Equal(t, "https://host/webhook-waiting/E/nebula-hitl-response", got["callbackUrl"])
}

func TestDispatch_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New(Config{}).Dispatch(context.Background(), schema.Credentials{BaseURL: srv.URL}, testPayload())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDispatch))
	assert.Equal(t, KindStatus, Kind(err))

	var he *schema.HITLError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusInternalServerError, he.Details["status_code"])
	assert.Contains(t, he.Details["body"], "boom")
}

func TestDispatch_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := New(Config{Timeout: time.Second}).Dispatch(context.Background(), schema.Credentials{BaseURL: url}, testPayload())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDispatch))
	assert.Equal(t, KindTransport, Kind(err))
}

func TestDispatch_NoRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_ = New(Config{}).Dispatch(context.Background(), schema.Credentials{BaseURL: srv.URL}, testPayload())
	assert.Equal(t, 1, calls)
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || r.Method != http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if _, pass, _ := r.BasicAuth(); pass != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{})
	assert.NoError(t, c.HealthCheck(context.Background(), schema.Credentials{BaseURL: srv.URL, Username: "u", Password: "good"}))

	err := c.HealthCheck(context.Background(), schema.Credentials{BaseURL: srv.URL, Username: "u", Password: "bad"})
	assert.Equal(t, KindStatus, Kind(err))
}

func TestKind_NonDispatchError(t *testing.T) {
	assert.Empty(t, Kind(schema.NewError(schema.ErrCodeStore, "x")))
	assert.Empty(t, Kind(nil))
}
