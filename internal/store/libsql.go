package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/dirt-rain/aaow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
// It is the reference persisted store; MemoryStore covers tests and zero-config use.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
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

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

type sqlTxKey struct{}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns the transaction bound to the context, or the raw database.
func (s *LibSQLStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(sqlTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a single SQL transaction. Store calls made through
// the context fn receives join the transaction.
func (s *LibSQLStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(sqlTxKey{}).(*sql.Tx); ok {
		// Already inside a transaction; join it.
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "begin transaction: %s", err.Error()).WithCause(err)
	}
	if err := fn(context.WithValue(ctx, sqlTxKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "commit transaction: %s", err.Error()).WithCause(err)
	}
	return nil
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *StoredWorkflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	metadata, err := nullableJSON(wf.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	version := wf.Version
	if version == 0 {
		version = 1
	}
	_, err = s.q(ctx).ExecContext(ctx,
		`INSERT INTO workflows (id, name, version, definition, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, version=excluded.version, definition=excluded.definition,
		   metadata=excluded.metadata, updated_at=excluded.updated_at`,
		wf.ID, wf.Name, version, string(def), metadata, timeOrNow(wf.CreatedAt), time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*StoredWorkflow, error) {
	wf := &StoredWorkflow{}
	var def string
	var metadata sql.NullString
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, name, version, definition, metadata, created_at, updated_at FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Name, &wf.Version, &def, &metadata, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(def), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if err := scanMap(metadata, &wf.Metadata); err != nil {
		return nil, err
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*StoredWorkflow, error) {
	query := `SELECT id, name, version, definition, metadata, created_at, updated_at FROM workflows`
	var conds []string
	var args []any
	if filter.Name != "" {
		conds = append(conds, "name = ?")
		args = append(args, filter.Name)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"
	query, args = applyPage(query, args, filter.Limit, filter.Offset)

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StoredWorkflow
	for rows.Next() {
		wf := &StoredWorkflow{}
		var def string
		var metadata sql.NullString
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Version, &def, &metadata, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(def), &wf.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		if err := scanMap(metadata, &wf.Metadata); err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Definition != nil {
		def, err := json.Marshal(update.Definition)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		sets = append(sets, "definition = ?", "version = version + 1")
		args = append(args, string(def))
	}
	if update.Metadata != nil {
		metadata, err := nullableJSON(update.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadata)
	}
	args = append(args, id)
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE workflows SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Sessions ---

func (s *LibSQLStore) CreateSession(ctx context.Context, sess *Session) error {
	snap, err := json.Marshal(sess.WorkflowSnapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	metadata, err := nullableJSON(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	now := timeOrNow(sess.CreatedAt)
	_, err = s.q(ctx).ExecContext(ctx,
		`INSERT INTO sessions (id, workflow_id, workflow_snapshot, status, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.WorkflowID, string(snap), string(sess.Status), metadata, now, now,
	)
	return err
}

func (s *LibSQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	var snap, status string
	var metadata sql.NullString
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_snapshot, status, metadata, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.WorkflowID, &snap, &status, &metadata, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	sess.Status = schema.SessionStatus(status)
	if err := json.Unmarshal([]byte(snap), &sess.WorkflowSnapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if err := scanMap(metadata, &sess.Metadata); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *LibSQLStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `SELECT id, workflow_id, workflow_snapshot, status, metadata, created_at, updated_at FROM sessions`
	var conds []string
	var args []any
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"
	query, args = applyPage(query, args, filter.Limit, filter.Offset)

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess := &Session{}
		var snap, status string
		var metadata sql.NullString
		if err := rows.Scan(&sess.ID, &sess.WorkflowID, &snap, &status, &metadata, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sess.Status = schema.SessionStatus(status)
		if err := json.Unmarshal([]byte(snap), &sess.WorkflowSnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		if err := scanMap(metadata, &sess.Metadata); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateSession(ctx context.Context, id string, update SessionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Metadata != nil {
		metadata, err := nullableJSON(update.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadata)
	}
	args = append(args, id)
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "session", id)
}

func (s *LibSQLStore) DeleteSession(ctx context.Context, id string) error {
	// Child rows cascade via foreign keys.
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "session", id)
}

// --- Execution state ---

func (s *LibSQLStore) SaveExecutionState(ctx context.Context, st *ExecutionState) error {
	metadata, err := nullableJSON(st.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	err = s.WithTx(ctx, func(ctx context.Context) error {
		_, err := s.q(ctx).ExecContext(ctx,
			`INSERT INTO execution_states (session_id, budget_pool_id, status, current_node_id, metadata, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET
			   budget_pool_id=excluded.budget_pool_id, status=excluded.status,
			   current_node_id=excluded.current_node_id, metadata=excluded.metadata,
			   completed_at=excluded.completed_at`,
			st.SessionID, nullString(st.BudgetPoolID), string(st.Status), nullString(st.CurrentNodeID),
			metadata, timeOrNow(st.StartedAt), st.CompletedAt,
		)
		if err != nil {
			return err
		}
		for _, ns := range st.NodeStates {
			if err := s.upsertNodeState(ctx, st.SessionID, ns); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (s *LibSQLStore) GetExecutionState(ctx context.Context, sessionID string) (*ExecutionState, error) {
	st := &ExecutionState{SessionID: sessionID, NodeStates: make(map[string]*NodeState)}
	var poolID, currentNode, status sql.NullString
	var metadata sql.NullString
	var completedAt sql.NullTime
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT budget_pool_id, status, current_node_id, metadata, started_at, completed_at
		 FROM execution_states WHERE session_id = ?`, sessionID,
	).Scan(&poolID, &status, &currentNode, &metadata, &st.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("execution state", sessionID)
	}
	if err != nil {
		return nil, err
	}
	st.BudgetPoolID = poolID.String
	st.CurrentNodeID = currentNode.String
	st.Status = schema.SessionStatus(status.String)
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	if err := scanMap(metadata, &st.Metadata); err != nil {
		return nil, err
	}

	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT node_id, status, input, output, error, retry_count, pending_approval_id, metadata, started_at, completed_at
		 FROM node_execution_states WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		ns := &NodeState{}
		var input, output, nsErr, pendingID, nsMeta sql.NullString
		var nsStatus string
		var startedAt, nsCompletedAt sql.NullTime
		if err := rows.Scan(&ns.NodeID, &nsStatus, &input, &output, &nsErr, &ns.RetryCount,
			&pendingID, &nsMeta, &startedAt, &nsCompletedAt); err != nil {
			return nil, err
		}
		ns.Status = schema.NodeStatus(nsStatus)
		ns.Input = jsonOrNil(input)
		ns.Output = jsonOrNil(output)
		ns.Error = nsErr.String
		ns.PendingApprovalID = pendingID.String
		if startedAt.Valid {
			ns.StartedAt = &startedAt.Time
		}
		if nsCompletedAt.Valid {
			ns.CompletedAt = &nsCompletedAt.Time
		}
		if err := scanMap(nsMeta, &ns.Metadata); err != nil {
			return nil, err
		}
		st.NodeStates[ns.NodeID] = ns
	}
	return st, rows.Err()
}

func (s *LibSQLStore) UpdateNodeState(ctx context.Context, sessionID string, state *NodeState) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.upsertNodeState(ctx, sessionID, state); err != nil {
			return err
		}
		_, err := s.q(ctx).ExecContext(ctx,
			`UPDATE execution_states SET current_node_id = ? WHERE session_id = ?`,
			state.NodeID, sessionID)
		return err
	})
}

func (s *LibSQLStore) upsertNodeState(ctx context.Context, sessionID string, ns *NodeState) error {
	metadata, err := nullableJSON(ns.Metadata)
	if err != nil {
		return fmt.Errorf("marshal node metadata: %w", err)
	}
	_, err = s.q(ctx).ExecContext(ctx,
		`INSERT INTO node_execution_states
		   (session_id, node_id, status, input, output, error, retry_count, pending_approval_id, metadata, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, node_id) DO UPDATE SET
		   status=excluded.status, input=excluded.input, output=excluded.output,
		   error=excluded.error, retry_count=excluded.retry_count,
		   pending_approval_id=excluded.pending_approval_id, metadata=excluded.metadata,
		   started_at=excluded.started_at, completed_at=excluded.completed_at`,
		sessionID, ns.NodeID, string(ns.Status), rawOrNil(ns.Input), rawOrNil(ns.Output),
		nullString(ns.Error), ns.RetryCount, nullString(ns.PendingApprovalID), metadata,
		ns.StartedAt, ns.CompletedAt,
	)
	return err
}

// --- LLM executions ---

func (s *LibSQLStore) SaveLLMExecution(ctx context.Context, rec *LLMExecution) error {
	metadata, err := nullableJSON(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var prompt, completion, total any
	if rec.Usage != nil {
		prompt, completion, total = rec.Usage.PromptTokens, rec.Usage.CompletionTokens, rec.Usage.TotalTokens
	}
	_, err = s.q(ctx).ExecContext(ctx,
		`INSERT INTO llm_executions
		   (id, session_id, node_id, timestamp, success, text, tool_calls, prompt_tokens, completion_tokens, total_tokens, error, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.NodeID, timeOrNow(rec.Timestamp), rec.Success,
		nullString(rec.Text), rawOrNil(rec.ToolCalls), prompt, completion, total,
		nullString(rec.Error), metadata,
	)
	return err
}

func (s *LibSQLStore) GetLLMExecutionsBySession(ctx context.Context, sessionID string) ([]*LLMExecution, error) {
	return s.queryLLMExecutions(ctx,
		`SELECT id, session_id, node_id, timestamp, success, text, tool_calls, prompt_tokens, completion_tokens, total_tokens, error, metadata
		 FROM llm_executions WHERE session_id = ? ORDER BY timestamp`, sessionID)
}

func (s *LibSQLStore) GetLLMExecutionsByNode(ctx context.Context, sessionID, nodeID string) ([]*LLMExecution, error) {
	return s.queryLLMExecutions(ctx,
		`SELECT id, session_id, node_id, timestamp, success, text, tool_calls, prompt_tokens, completion_tokens, total_tokens, error, metadata
		 FROM llm_executions WHERE session_id = ? AND node_id = ? ORDER BY timestamp`, sessionID, nodeID)
}

func (s *LibSQLStore) queryLLMExecutions(ctx context.Context, query string, args ...any) ([]*LLMExecution, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LLMExecution
	for rows.Next() {
		rec := &LLMExecution{}
		var text, toolCalls, recErr, metadata sql.NullString
		var prompt, completion, total sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.NodeID, &rec.Timestamp, &rec.Success,
			&text, &toolCalls, &prompt, &completion, &total, &recErr, &metadata); err != nil {
			return nil, err
		}
		rec.Text = text.String
		rec.ToolCalls = jsonOrNil(toolCalls)
		rec.Error = recErr.String
		if prompt.Valid || completion.Valid || total.Valid {
			rec.Usage = &TokenUsage{
				PromptTokens:     prompt.Int64,
				CompletionTokens: completion.Int64,
				TotalTokens:      total.Int64,
			}
		}
		if err := scanMap(metadata, &rec.Metadata); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Budget pools ---

func (s *LibSQLStore) CreateBudgetPool(ctx context.Context, pool *BudgetPool) error {
	metadata, err := nullableJSON(pool.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.q(ctx).ExecContext(ctx,
		`INSERT INTO budget_pools (id, parent_pool_id, total_budget, used_budget, remaining_budget, status, version, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pool.ID, nullString(pool.ParentPoolID), pool.TotalBudget, pool.UsedBudget,
		pool.RemainingBudget, string(pool.Status), pool.Version, metadata, timeOrNow(pool.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetBudgetPool(ctx context.Context, id string) (*BudgetPool, error) {
	p := &BudgetPool{}
	var parent, status, metadata sql.NullString
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, parent_pool_id, total_budget, used_budget, remaining_budget, status, version, metadata, created_at
		 FROM budget_pools WHERE id = ?`, id,
	).Scan(&p.ID, &parent, &p.TotalBudget, &p.UsedBudget, &p.RemainingBudget, &status, &p.Version, &metadata, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodePoolNotFound, "budget pool not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	p.ParentPoolID = parent.String
	p.Status = schema.PoolStatus(status.String)
	if err := scanMap(metadata, &p.Metadata); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *LibSQLStore) UpdateBudgetPool(ctx context.Context, pool *BudgetPool, expectedVersion int64) error {
	metadata, err := nullableJSON(pool.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE budget_pools
		 SET total_budget = ?, used_budget = ?, remaining_budget = ?, status = ?, metadata = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		pool.TotalBudget, pool.UsedBudget, pool.RemainingBudget, string(pool.Status), metadata,
		pool.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a stale version from a missing pool.
		if _, gerr := s.GetBudgetPool(ctx, pool.ID); gerr != nil {
			return gerr
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"budget pool %s version mismatch: expected %d", pool.ID, expectedVersion)
	}
	return nil
}

func (s *LibSQLStore) GetChildPools(ctx context.Context, parentID string) ([]*BudgetPool, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT id, parent_pool_id, total_budget, used_budget, remaining_budget, status, version, metadata, created_at
		 FROM budget_pools WHERE parent_pool_id = ? ORDER BY id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BudgetPool
	for rows.Next() {
		p := &BudgetPool{}
		var parent, status, metadata sql.NullString
		if err := rows.Scan(&p.ID, &parent, &p.TotalBudget, &p.UsedBudget, &p.RemainingBudget,
			&status, &p.Version, &metadata, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.ParentPoolID = parent.String
		p.Status = schema.PoolStatus(status.String)
		if err := scanMap(metadata, &p.Metadata); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Tool call logs ---

func (s *LibSQLStore) LogToolCall(ctx context.Context, log *ToolCallLog) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO tool_call_logs (id, execution_id, tool_call_id, tool_name, args, result, error, timestamp, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.ExecutionID, log.ToolCallID, log.ToolName, rawOrNil(log.Args), rawOrNil(log.Result),
		nullString(log.Error), timeOrNow(log.Timestamp), log.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetToolCallsByExecution(ctx context.Context, executionID string) ([]*ToolCallLog, error) {
	return s.queryToolCalls(ctx,
		`SELECT id, execution_id, tool_call_id, tool_name, args, result, error, timestamp, duration_ms
		 FROM tool_call_logs WHERE execution_id = ? ORDER BY timestamp`, executionID)
}

func (s *LibSQLStore) GetToolCallsBySession(ctx context.Context, sessionID string) ([]*ToolCallLog, error) {
	return s.queryToolCalls(ctx,
		`SELECT t.id, t.execution_id, t.tool_call_id, t.tool_name, t.args, t.result, t.error, t.timestamp, t.duration_ms
		 FROM tool_call_logs t JOIN llm_executions e ON t.execution_id = e.id
		 WHERE e.session_id = ? ORDER BY t.timestamp`, sessionID)
}

func (s *LibSQLStore) queryToolCalls(ctx context.Context, query string, args ...any) ([]*ToolCallLog, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ToolCallLog
	for rows.Next() {
		tc := &ToolCallLog{}
		var tcArgs, result, tcErr sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&tc.ID, &tc.ExecutionID, &tc.ToolCallID, &tc.ToolName,
			&tcArgs, &result, &tcErr, &tc.Timestamp, &duration); err != nil {
			return nil, err
		}
		tc.Args = jsonOrNil(tcArgs)
		tc.Result = jsonOrNil(result)
		tc.Error = tcErr.String
		tc.DurationMs = duration.Int64
		out = append(out, tc)
	}
	return out, rows.Err()
}

// --- Approvals ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, req *ApprovalRequest) error {
	apCtx, err := json.Marshal(req.Context)
	if err != nil {
		return fmt.Errorf("marshal approval context: %w", err)
	}
	_, err = s.q(ctx).ExecContext(ctx,
		`INSERT INTO approval_requests (id, session_id, node_id, type, status, context, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.SessionID, req.NodeID, string(req.Type), string(req.Status), string(apCtx),
		timeOrNow(req.CreatedAt), req.ExpiresAt,
	)
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var apType, apStatus, apCtx string
	var expiresAt, resolvedAt sql.NullTime
	var resolvedBy, notes sql.NullString
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, session_id, node_id, type, status, context, created_at, expires_at, resolved_at, resolved_by, resolution_notes
		 FROM approval_requests WHERE id = ?`, id,
	).Scan(&req.ID, &req.SessionID, &req.NodeID, &apType, &apStatus, &apCtx,
		&req.CreatedAt, &expiresAt, &resolvedAt, &resolvedBy, &notes)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeApprovalNotFound, "approval not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	req.Type = schema.ApprovalType(apType)
	req.Status = schema.ApprovalStatus(apStatus)
	if err := json.Unmarshal([]byte(apCtx), &req.Context); err != nil {
		return nil, fmt.Errorf("unmarshal approval context: %w", err)
	}
	if expiresAt.Valid {
		req.ExpiresAt = &expiresAt.Time
	}
	if resolvedAt.Valid {
		req.ResolvedAt = &resolvedAt.Time
	}
	req.ResolvedBy = resolvedBy.String
	req.ResolutionNotes = notes.String
	return req, nil
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error) {
	query := `SELECT id, session_id, node_id, type, status, context, created_at, expires_at, resolved_at, resolved_by, resolution_notes
	          FROM approval_requests`
	var conds []string
	var args []any
	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Type != nil {
		conds = append(conds, "type = ?")
		args = append(args, string(*filter.Type))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"
	query, args = applyPage(query, args, filter.Limit, 0)

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		req := &ApprovalRequest{}
		var apType, apStatus, apCtx string
		var expiresAt, resolvedAt sql.NullTime
		var resolvedBy, notes sql.NullString
		if err := rows.Scan(&req.ID, &req.SessionID, &req.NodeID, &apType, &apStatus, &apCtx,
			&req.CreatedAt, &expiresAt, &resolvedAt, &resolvedBy, &notes); err != nil {
			return nil, err
		}
		req.Type = schema.ApprovalType(apType)
		req.Status = schema.ApprovalStatus(apStatus)
		if err := json.Unmarshal([]byte(apCtx), &req.Context); err != nil {
			return nil, fmt.Errorf("unmarshal approval context: %w", err)
		}
		if expiresAt.Valid {
			req.ExpiresAt = &expiresAt.Time
		}
		if resolvedAt.Valid {
			req.ResolvedAt = &resolvedAt.Time
		}
		req.ResolvedBy = resolvedBy.String
		req.ResolutionNotes = notes.String
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateApproval(ctx context.Context, id string, update ApprovalUpdate) error {
	var sets []string
	var args []any
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.ResolvedBy != "" {
		sets = append(sets, "resolved_by = ?")
		args = append(args, update.ResolvedBy)
	}
	if update.ResolvedAt != nil {
		sets = append(sets, "resolved_at = ?")
		args = append(args, *update.ResolvedAt)
	}
	if update.ResolutionNotes != "" {
		sets = append(sets, "resolution_notes = ?")
		args = append(args, update.ResolutionNotes)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE approval_requests SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeApprovalNotFound, "approval not found: %s", id)
	}
	return nil
}

// --- Event log ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO events (session_id, node_id, event_type, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		event.SessionID, nullString(event.NodeID), event.Type, rawOrNil(event.Payload), timeOrNow(event.Timestamp),
	)
	return err
}

func (s *LibSQLStore) GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT id, session_id, node_id, event_type, payload, timestamp
		 FROM events WHERE session_id = ? AND id > ? ORDER BY id`, sessionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &nodeID, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = jsonOrNil(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Helpers ---

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanMap(ns sql.NullString, out *map[string]any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), out)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

func applyPage(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	} else if offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, offset)
	}
	return query, args
}

var _ Store = (*LibSQLStore)(nil)
