package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hitl/internal/correlation"
	"github.com/rendis/hitl/internal/dispatch"
	"github.com/rendis/hitl/internal/expressions"
	"github.com/rendis/hitl/internal/hitl"
	"github.com/rendis/hitl/internal/request"
	"github.com/rendis/hitl/internal/secrets"
	"github.com/rendis/hitl/internal/store"
	"github.com/rendis/hitl/internal/streaming"
	"github.com/rendis/hitl/internal/validation"
	"github.com/rendis/hitl/pkg/schema"
)

type decisionService struct {
	mu       sync.Mutex
	status   int
	payloads []map[string]any
	srv      *httptest.Server
}

func newDecisionService(t *testing.T, status int) *decisionService {
	t.Helper()
	ds := &decisionService{status: status}
	ds.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/requests" {
			var p map[string]any
			_ = json.NewDecoder(r.Body).Decode(&p)
			ds.mu.Lock()
			ds.payloads = append(ds.payloads, p)
			ds.mu.Unlock()
		}
		ds.mu.Lock()
		status := ds.status
		ds.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(ds.srv.Close)
	return ds
}

func (ds *decisionService) token(t *testing.T, i int) string {
	t.Helper()
	ds.mu.Lock()
	defer ds.mu.Unlock()
	require.Greater(t, len(ds.payloads), i)
	tok, _ := ds.payloads[i]["correlationToken"].(string)
	require.NotEmpty(t, tok)
	return tok
}

type hostHarness struct {
	rt    *Runtime
	st    *store.LibSQLStore
	ds    *decisionService
	v     *validation.JSONSchemaValidator
	reg   *prometheus.Registry
	creds *secrets.CredentialStore
	hub   *streaming.MemoryHub
}

func openStore(t *testing.T, path string) *store.LibSQLStore {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + path)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newHostHarness(t *testing.T, status int) *hostHarness {
	t.Helper()
	return newHostHarnessAt(t, filepath.Join(t.TempDir(), "hitl.db"), newDecisionService(t, status))
}

func newHostHarnessAt(t *testing.T, dbPath string, ds *decisionService) *hostHarness {
	t.Helper()
	return newHostHarnessWith(t, dbPath, ds, func(st *store.LibSQLStore) correlation.Store {
		return correlation.NewDurableStore(st)
	})
}

func newHostHarnessWith(t *testing.T, dbPath string, ds *decisionService, corr func(*store.LibSQLStore) correlation.Store) *hostHarness {
	t.Helper()
	ctx := context.Background()
	st := openStore(t, dbPath)
	hub := streaming.NewMemoryHub()
	events := streaming.NewPublishingStore(st, hub)

	vault, err := secrets.NewAESVault(st, secrets.VaultConfig{MasterKey: bytes.Repeat([]byte{7}, 32)})
	require.NoError(t, err)
	creds, err := secrets.NewCredentialStore(vault, secrets.WithCache(16))
	require.NoError(t, err)
	require.NoError(t, creds.Put(ctx, schema.DefaultCredentialName, schema.Credentials{
		BaseURL: ds.srv.URL + "/", Username: "u", Password: "p",
	}))

	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	interp, err := expressions.NewDefaultInterpolator()
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	client := dispatch.New(dispatch.Config{Timeout: 5 * time.Second})
	coord := hitl.NewCoordinator(corr(st), request.NewBuilder(), client, v,
		hitl.WithEvents(store.NewEventLog(events)),
		hitl.WithInterpolator(interp),
		hitl.WithMetrics(hitl.NewMetrics(reg, "hitl")),
	)
	rt := New(Config{PublicBaseURL: "https://hitl.example", PoolSize: 4}, Deps{
		Store:       events,
		Coordinator: coord,
		Credentials: creds,
		Health:      client,
		Inputs:      v,
	})
	t.Cleanup(rt.Close)
	return &hostHarness{rt: rt, st: st, ds: ds, v: v, reg: reg, creds: creds, hub: hub}
}

func startRequest(timeout int) StartRequest {
	return StartRequest{
		Workflow: schema.WorkflowIdentity{ID: "wf-1", Name: "Expenses"},
		NodeName: "Approve",
		Params: schema.StepParams{
			Operation:     schema.OperationHITLRequest,
			Title:         "Approve expense",
			Message:       "Amount: ${{ json.amount }}",
			ResponseShape: schema.ShapeAck,
			Options:       schema.StepOptions{TimeoutMinutes: timeout},
		},
		Input: []map[string]any{{"amount": 42}},
	}
}

func responseBody(token, response string) []byte {
	return []byte(fmt.Sprintf(`{"correlationToken":%q,"response":%q,"respondedBy":"ada"}`, token, response))
}

func decodeOutput(t *testing.T, exec *store.Execution) [][]schema.Item {
	t.Helper()
	var out [][]schema.Item
	require.NoError(t, json.Unmarshal(exec.Output, &out))
	return out
}

func TestRuntime_StartParksExecution(t *testing.T) {
	h := newHostHarness(t, http.StatusCreated)
	ctx := context.Background()

	exec, err := h.rt.Start(ctx, startRequest(30))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusWaiting, exec.Status)
	require.NotNil(t, exec.WaitUntil)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), *exec.WaitUntil, time.Minute)

	token := h.ds.token(t, 0)
	assert.Equal(t, "https://hitl.example/webhook-waiting/"+exec.ID+"/"+schema.DefaultWebhookPath, h.ds.payloads[0]["callbackUrl"])
	assert.Equal(t, "Amount: 42", h.ds.payloads[0]["message"])

	view, err := h.rt.Get(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Request)
	assert.Equal(t, token, view.Request.CorrelationToken)
	assert.Equal(t, schema.ExecutionStatusWaiting, view.Timeline.Status)
	assert.Equal(t, []string{token}, view.Timeline.Tokens)
	assert.Equal(t, 1, view.Timeline.Waits)
}

func TestRuntime_WebhookResumesAndCompletes(t *testing.T) {
	h := newHostHarness(t, http.StatusCreated)
	ctx := context.Background()

	exec, err := h.rt.Start(ctx, startRequest(30))
	require.NoError(t, err)
	token := h.ds.token(t, 0)

	res, err := h.rt.HandleWebhook(ctx, exec.ID, schema.DefaultWebhookPath, responseBody(token, "approved"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, hitl.MsgAccepted, res.Body["message"])
	h.rt.Wait()

	got, err := h.st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.False(t, got.TimedOut)
	assert.Nil(t, got.WaitUntil)

	out := decodeOutput(t, got)
	require.Len(t, out, 1)
	require.Len(t, out[0], 1)
	env := out[0][0].JSON
	assert.Equal(t, token, env["correlationToken"])
	assert.Equal(t, "approved", env["response"])
	assert.Equal(t, "ada", env["respondedBy"])
	assert.Equal(t, map[string]any{}, env["data"])

	again, err := h.rt.HandleWebhook(ctx, exec.ID, schema.DefaultWebhookPath, responseBody(token, "again"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusGone, again.StatusCode)

	view, err := h.rt.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, view.Timeline.Status)
	assert.Equal(t, 1, view.Timeline.Rejections)
}

func TestRuntime_WebhookRejections(t *testing.T) {
	h := newHostHarness(t, http.StatusCreated)
	ctx := context.Background()

	exec, err := h.rt.Start(ctx, startRequest(30))
	require.NoError(t, err)
	token := h.ds.token(t, 0)

	res, err := h.rt.HandleWebhook(ctx, exec.ID, "other-path", responseBody(token, "x"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, err = h.rt.HandleWebhook(ctx, exec.ID, schema.DefaultWebhookPath, []byte(`{"response":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, hitl.MsgMissingToken, res.Body["error"])

	res, err = h.rt.HandleWebhook(ctx, "no-such-execution", schema.DefaultWebhookPath, responseBody("unknown", "x"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	// A token routed to the wrong execution does not consume the claim.
	other, err := h.rt.Start(ctx, startRequest(30))
	require.NoError(t, err)
	res, err = h.rt.HandleWebhook(ctx, other.ID, schema.DefaultWebhookPath, responseBody(token, "x"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusGone, res.StatusCode)

	res, err = h.rt.HandleWebhook(ctx, exec.ID, schema.DefaultWebhookPath, responseBody(token, "ok"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	h.rt.Wait()
}

func TestRuntime_DeadlineCompletesWithEmptyOutput(t *testing.T) {
	h := newHostHarness(t, http.StatusCreated)
	ctx := context.Background()

	exec, err := h.rt.Start(ctx, startRequest(5))
	require.NoError(t, err)
	token := h.ds.token(t, 0)

	h.rt.disarm(exec.ID)
	n, err := h.rt.ReapOverdue(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.rt.Wait()

	got, err := h.st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.True(t, got.TimedOut)
	assert.Equal(t, [][]schema.Item{{}}, decodeOutput(t, got))

	res, err := h.rt.HandleWebhook(ctx, exec.ID, schema.DefaultWebhookPath, responseBody(token, "late"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusGone, res.StatusCode)

	view, err := h.rt.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, view.Timeline.TimedOut)
}

func TestRuntime_DeadlineLosesToWebhook(t *testing.T) {
	h := newHostHarness(t, http.StatusCreated)
	ctx := context.Background()

	exec, err := h.rt.Start(ctx, startRequest(5))
	require.NoError(t, err)
	token := h.ds.token(t, 0)

	// Hold the execution lock so the resumption queues behind the deadline.
	unlock := h.rt.lock(exec.ID)
	res, err := h.rt.HandleWebhook(ctx, exec.ID, schema.DefaultWebhookPath, responseBody(token, "approved"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	unlock()

	require.NoError(t, h.rt.expire(ctx, exec.ID))
	h.rt.Wait()

	got, err := h.st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.False(t, got.TimedOut)
	assert.Equal(t, "approved", decodeOutput(t, got)[0][0].JSON["response"])
}

func TestRuntime_CancelResolvesRequest(t *testing.T) {
	h := newHostHarness(t, http.StatusCreated)
	ctx := context.Background()

	exec, err := h.rt.Start(ctx, startRequest(30))
	require.NoError(t, err)
	token := h.ds.token(t, 0)

	cancelled, err := h.rt.Cancel(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)
	assert.False(t, h.rt.armed(exec.ID))

	res, err := h.rt.HandleWebhook(ctx, exec.ID, schema.DefaultWebhookPath, responseBody(token, "late"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusGone, res.StatusCode)

	_, err = h.rt.Cancel(ctx, exec.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestRuntime_DispatchFailureFailsExecution(t *testing.T) {
	h := newHostHarness(t, http.StatusBadGateway)
	ctx := context.Background()

	exec, err := h.rt.Start(ctx, startRequest(30))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDispatch))
	require.NotNil(t, exec)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "decision service returned 502")

	view, err := h.rt.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Nil(t, view.Request)
	assert.Equal(t, schema.EventExecutionFailed, view.Timeline.LastEvent)
}

func TestRuntime_ContinueOnFailCompletesWithError(t *testing.T) {
	h := newHostHarness(t, http.StatusInternalServerError)
	req := startRequest(30)
	req.ContinueOnFail = true

	exec, err := h.rt.Start(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	out := decodeOutput(t, exec)
	require.Len(t, out[0], 1)
	assert.Contains(t, out[0][0].JSON["error"], "decision service returned 500")
}

func TestRuntime_InputSchemaRejectsBadInput(t *testing.T) {
	h := newHostHarness(t, http.StatusCreated)
	req := startRequest(30)
	req.InputSchema = json.RawMessage(`{"type":"object","required":["amount","currency"]}`)

	exec, err := h.rt.Start(context.Background(), req)
	assert.Nil(t, exec)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Zero(t, len(h.ds.payloads))
}

func TestRuntime_RecoverRearmsWaitingExecutions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hitl.db")
	ds := newDecisionService(t, http.StatusCreated)
	first := newHostHarnessAt(t, dbPath, ds)
	ctx := context.Background()

	exec, err := first.rt.Start(ctx, startRequest(30))
	require.NoError(t, err)
	token := ds.token(t, 0)
	first.rt.Close()

	second := newHostHarnessAt(t, dbPath, ds)
	n, err := second.rt.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, second.rt.armed(exec.ID))

	res, err := second.rt.HandleWebhook(ctx, exec.ID, schema.DefaultWebhookPath, responseBody(token, "after restart"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	second.rt.Wait()

	got, err := second.st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.False(t, second.rt.armed(exec.ID))
}

func TestRuntime_TestCredential(t *testing.T) {
	h := newHostHarness(t, http.StatusOK)
	ctx := context.Background()

	require.NoError(t, h.rt.TestCredential(ctx, schema.DefaultCredentialName))

	err := h.rt.TestCredential(ctx, "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	names, err := h.rt.CredentialNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{schema.DefaultCredentialName}, names)
}

func TestRuntime_MemoryStoreDrainsOnceTerminal(t *testing.T) {
	mem := correlation.NewMemoryStore()
	h := newHostHarnessWith(t, filepath.Join(t.TempDir(), "hitl.db"), newDecisionService(t, http.StatusCreated),
		func(*store.LibSQLStore) correlation.Store { return mem })
	ctx := context.Background()

	var ids []string
	for range 7 {
		exec, err := h.rt.Start(ctx, startRequest(30))
		require.NoError(t, err)
		ids = append(ids, exec.ID)
	}
	require.Equal(t, 7, mem.Len())

	for _, id := range ids[:3] {
		require.NoError(t, h.rt.expire(ctx, id))
	}
	for _, id := range ids[3:6] {
		_, err := h.rt.Cancel(ctx, id)
		require.NoError(t, err)
	}
	res, err := h.rt.HandleWebhook(ctx, ids[6], schema.DefaultWebhookPath, responseBody(h.ds.token(t, 6), "approved"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	h.rt.Wait()

	for _, id := range ids {
		got, err := h.st.GetExecution(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.Status.Terminal(), "execution %s is %s", id, got.Status)
	}
	assert.Equal(t, 0, mem.Len())

	// Released tokens still answer 410.
	for _, i := range []int{0, 3, 6} {
		res, err := h.rt.HandleWebhook(ctx, ids[i], schema.DefaultWebhookPath, responseBody(h.ds.token(t, i), "late"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusGone, res.StatusCode)
	}
	assert.Equal(t, 0, mem.Len())
}
