package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/hitl/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/hitl.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// SchemaVersion reports the highest applied migration.
func (s *LibSQLStore) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Pending Requests ---

const pendingRequestColumns = `correlation_token, execution_id, node_name, callback_url, response_shape, form_schema, status, resolved_by, created_at, wait_until, resolved_at`

func (s *LibSQLStore) CreatePendingRequest(ctx context.Context, req *schema.PendingRequest) error {
	status := req.Status
	if status == "" {
		status = schema.RequestStatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_requests (`+pendingRequestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.CorrelationToken, req.ExecutionHandle, nullStr(req.NodeName), nullStr(req.CallbackURL),
		string(req.ResponseShape), nullRaw(req.FormSchema), string(status), nullStr(string(req.ResolvedBy)),
		timeOrNow(req.CreatedAt).UTC(), req.WaitUntil.UTC(), nullTime(req.ResolvedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "pending_request %q already registered", req.CorrelationToken).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetPendingRequest(ctx context.Context, token string) (*schema.PendingRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pendingRequestColumns+` FROM pending_requests WHERE correlation_token = ?`, token)
	req, err := scanPendingRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("pending_request", token)
	}
	return req, err
}

// ResolvePendingRequest moves a pending request to resolved. Exactly one caller
// wins: later callers get CONFLICT, unknown tokens get NOT_FOUND.
func (s *LibSQLStore) ResolvePendingRequest(ctx context.Context, token string, by schema.Resolution) (*schema.PendingRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin resolve tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE pending_requests SET status = 'resolved', resolved_by = ?, resolved_at = ?
		 WHERE correlation_token = ? AND status = 'pending'`,
		string(by), now, token,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+pendingRequestColumns+` FROM pending_requests WHERE correlation_token = ?`, token)
	req, err := scanPendingRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("pending_request", token)
	}
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return req, schema.NewErrorf(schema.ErrCodeConflict,
			"pending_request %q already resolved by %s", token, req.ResolvedBy)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit resolve: %w", err)
	}
	return req, nil
}

func (s *LibSQLStore) DeletePendingRequest(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_requests WHERE correlation_token = ?`, token)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "pending_request", token)
}

func (s *LibSQLStore) ListPendingRequests(ctx context.Context, filter PendingRequestFilter) ([]*schema.PendingRequest, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.WaitingBefore != nil {
		where = append(where, "wait_until <= ?")
		args = append(args, filter.WaitingBefore.UTC())
	}

	query := `SELECT ` + pendingRequestColumns + ` FROM pending_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.PendingRequest
	for rows.Next() {
		req, err := scanPendingRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// PurgeResolvedRequests deletes resolved requests whose resolution is older than before.
func (s *LibSQLStore) PurgeResolvedRequests(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_requests WHERE status = 'resolved' AND resolved_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingRequest(row rowScanner) (*schema.PendingRequest, error) {
	req := &schema.PendingRequest{}
	var (
		node, callback, formSchema, resolvedBy sql.NullString
		shape, status                          string
		resolvedAt                             sql.NullTime
	)
	if err := row.Scan(&req.CorrelationToken, &req.ExecutionHandle, &node, &callback, &shape, &formSchema,
		&status, &resolvedBy, &req.CreatedAt, &req.WaitUntil, &resolvedAt); err != nil {
		return nil, err
	}
	req.NodeName = node.String
	req.CallbackURL = callback.String
	req.ResponseShape = schema.ResponseShape(shape)
	req.FormSchema = rawOrNil(formSchema)
	req.Status = schema.RequestStatus(status)
	req.ResolvedBy = schema.Resolution(resolvedBy.String)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		req.ResolvedAt = &t
	}
	return req, nil
}

// --- Executions ---

const executionColumns = `id, workflow_id, workflow_name, node_name, credential_name, params, input, continue_on_fail, status, output, error, wait_until, timed_out, created_at, updated_at, completed_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	params := exec.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	if exec.UpdatedAt.IsZero() {
		exec.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, nullStr(exec.WorkflowName), exec.NodeName, exec.CredentialName,
		string(params), nullRaw(exec.Input), exec.ContinueOnFail, string(exec.Status),
		nullRaw(exec.Output), nullStr(exec.Error), nullTime(exec.WaitUntil), exec.TimedOut,
		exec.CreatedAt, exec.UpdatedAt, nullTime(exec.CompletedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if len(update.Output) > 0 {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.ClearWait {
		sets = append(sets, "wait_until = NULL")
	} else if update.WaitUntil != nil {
		sets = append(sets, "wait_until = ?")
		args = append(args, update.WaitUntil.UTC())
	}
	if update.TimedOut != nil {
		sets = append(sets, "timed_out = ?")
		args = append(args, *update.TimedOut)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (*Execution, error) {
	e := &Execution{}
	var (
		wfName, input, output, errStr sql.NullString
		params, status                string
		waitUntil, completedAt        sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.WorkflowID, &wfName, &e.NodeName, &e.CredentialName, &params, &input,
		&e.ContinueOnFail, &status, &output, &errStr, &waitUntil, &e.TimedOut,
		&e.CreatedAt, &e.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	e.WorkflowName = wfName.String
	e.Params = json.RawMessage(params)
	e.Input = rawOrNil(input)
	e.Status = schema.ExecutionStatus(status)
	e.Output = rawOrNil(output)
	e.Error = errStr.String
	if waitUntil.Valid {
		t := waitUntil.Time
		e.WaitUntil = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	return e, nil
}

// --- Node static data ---

func (s *LibSQLStore) PutNodeData(ctx context.Context, executionID, node, key string, value json.RawMessage) error {
	if value == nil {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM node_static_data WHERE execution_id = ? AND node_name = ? AND key = ?`,
			executionID, node, key)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_static_data (execution_id, node_name, key, value, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(execution_id, node_name, key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		executionID, node, key, string(value),
	)
	return err
}

func (s *LibSQLStore) GetNodeData(ctx context.Context, executionID, node, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM node_static_data WHERE execution_id = ? AND node_name = ? AND key = ?`,
		executionID, node, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("node_static_data", executionID+"/"+node+"/"+key)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_name, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.Node), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.Sequence = seq
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_name, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var node, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &node, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Node = node.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.HITLError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
