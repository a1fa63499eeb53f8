package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/dirt-rain/aaow/pkg/schema"
)

// MemoryStore is an in-memory Store implementation. It is the zero-config
// default and the backing store for tests. All values are deep-copied on the
// way in and out, so callers never share mutable state with the store.
type MemoryStore struct {
	mu sync.Mutex

	workflows  map[string]*StoredWorkflow
	sessions   map[string]*Session
	execStates map[string]*ExecutionState // session ID → state
	llmExecs   map[string]*LLMExecution
	pools      map[string]*BudgetPool
	toolCalls  map[string]*ToolCallLog
	approvals  map[string]*ApprovalRequest
	events     []*Event
	eventSeq   int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*StoredWorkflow),
		sessions:   make(map[string]*Session),
		execStates: make(map[string]*ExecutionState),
		llmExecs:   make(map[string]*LLMExecution),
		pools:      make(map[string]*BudgetPool),
		toolCalls:  make(map[string]*ToolCallLog),
		approvals:  make(map[string]*ApprovalRequest),
	}
}

type memTxKey struct{}

// lock acquires the store mutex unless the context already holds the
// transaction lock.
func (m *MemoryStore) lock(ctx context.Context) func() {
	if v, _ := ctx.Value(memTxKey{}).(*MemoryStore); v == m {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// WithTx serializes fn against all other store access and restores the full
// previous state when fn returns an error.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if v, _ := ctx.Value(memTxKey{}).(*MemoryStore); v == m {
		// Already inside a transaction; join it.
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	err := fn(context.WithValue(ctx, memTxKey{}, m))
	if err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	workflows  map[string]*StoredWorkflow
	sessions   map[string]*Session
	execStates map[string]*ExecutionState
	llmExecs   map[string]*LLMExecution
	pools      map[string]*BudgetPool
	toolCalls  map[string]*ToolCallLog
	approvals  map[string]*ApprovalRequest
	events     []*Event
	eventSeq   int64
}

func (m *MemoryStore) snapshot() *memSnapshot {
	s := &memSnapshot{
		workflows:  make(map[string]*StoredWorkflow, len(m.workflows)),
		sessions:   make(map[string]*Session, len(m.sessions)),
		execStates: make(map[string]*ExecutionState, len(m.execStates)),
		llmExecs:   make(map[string]*LLMExecution, len(m.llmExecs)),
		pools:      make(map[string]*BudgetPool, len(m.pools)),
		toolCalls:  make(map[string]*ToolCallLog, len(m.toolCalls)),
		approvals:  make(map[string]*ApprovalRequest, len(m.approvals)),
		events:     append([]*Event(nil), m.events...),
		eventSeq:   m.eventSeq,
	}
	for k, v := range m.workflows {
		s.workflows[k] = v
	}
	for k, v := range m.sessions {
		s.sessions[k] = v
	}
	for k, v := range m.execStates {
		s.execStates[k] = v
	}
	for k, v := range m.llmExecs {
		s.llmExecs[k] = v
	}
	for k, v := range m.pools {
		s.pools[k] = v
	}
	for k, v := range m.toolCalls {
		s.toolCalls[k] = v
	}
	for k, v := range m.approvals {
		s.approvals[k] = v
	}
	return s
}

func (m *MemoryStore) restore(s *memSnapshot) {
	m.workflows = s.workflows
	m.sessions = s.sessions
	m.execStates = s.execStates
	m.llmExecs = s.llmExecs
	m.pools = s.pools
	m.toolCalls = s.toolCalls
	m.approvals = s.approvals
	m.events = s.events
	m.eventSeq = s.eventSeq
}

// deepCopy round-trips v through JSON into out. Entities here are fully
// JSON-serializable, so this is a faithful clone.
func deepCopy(v, out any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic("store: deep copy marshal: " + err.Error())
	}
	if err := json.Unmarshal(b, out); err != nil {
		panic("store: deep copy unmarshal: " + err.Error())
	}
}

func notFound(entity, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", entity, id)
}

// --- Workflows ---

func (m *MemoryStore) SaveWorkflow(ctx context.Context, wf *StoredWorkflow) error {
	defer m.lock(ctx)()
	cp := &StoredWorkflow{}
	deepCopy(wf, cp)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	m.workflows[cp.ID] = cp
	return nil
}

func (m *MemoryStore) GetWorkflow(ctx context.Context, id string) (*StoredWorkflow, error) {
	defer m.lock(ctx)()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, notFound("workflow", id)
	}
	cp := &StoredWorkflow{}
	deepCopy(wf, cp)
	return cp, nil
}

func (m *MemoryStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*StoredWorkflow, error) {
	defer m.lock(ctx)()
	var out []*StoredWorkflow
	for _, wf := range m.workflows {
		if filter.Name != "" && wf.Name != filter.Name {
			continue
		}
		cp := &StoredWorkflow{}
		deepCopy(wf, cp)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	defer m.lock(ctx)()
	wf, ok := m.workflows[id]
	if !ok {
		return notFound("workflow", id)
	}
	cp := &StoredWorkflow{}
	deepCopy(wf, cp)
	if update.Name != nil {
		cp.Name = *update.Name
	}
	if update.Definition != nil {
		cp.Definition = *update.Definition
		cp.Version++
	}
	if update.Metadata != nil {
		cp.Metadata = update.Metadata
	}
	cp.UpdatedAt = time.Now().UTC()
	m.workflows[id] = cp
	return nil
}

func (m *MemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	defer m.lock(ctx)()
	if _, ok := m.workflows[id]; !ok {
		return notFound("workflow", id)
	}
	delete(m.workflows, id)
	return nil
}

// --- Sessions ---

func (m *MemoryStore) CreateSession(ctx context.Context, s *Session) error {
	defer m.lock(ctx)()
	if _, exists := m.sessions[s.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "session already exists: %s", s.ID)
	}
	cp := &Session{}
	deepCopy(s, cp)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.sessions[cp.ID] = cp
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	defer m.lock(ctx)()
	s, ok := m.sessions[id]
	if !ok {
		return nil, notFound("session", id)
	}
	cp := &Session{}
	deepCopy(s, cp)
	return cp, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	defer m.lock(ctx)()
	var out []*Session
	for _, s := range m.sessions {
		if filter.Status != nil && s.Status != *filter.Status {
			continue
		}
		if filter.WorkflowID != "" && s.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Since != nil && s.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := &Session{}
		deepCopy(s, cp)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, id string, update SessionUpdate) error {
	defer m.lock(ctx)()
	s, ok := m.sessions[id]
	if !ok {
		return notFound("session", id)
	}
	cp := &Session{}
	deepCopy(s, cp)
	if update.Status != nil {
		cp.Status = *update.Status
	}
	if update.Metadata != nil {
		cp.Metadata = update.Metadata
	}
	cp.UpdatedAt = time.Now().UTC()
	m.sessions[id] = cp
	return nil
}

// DeleteSession removes the session and everything it owns: execution state,
// LLM executions with their tool call logs, approvals, events.
func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	defer m.lock(ctx)()
	if _, ok := m.sessions[id]; !ok {
		return notFound("session", id)
	}
	delete(m.sessions, id)
	delete(m.execStates, id)
	for execID, rec := range m.llmExecs {
		if rec.SessionID != id {
			continue
		}
		for tcID, tc := range m.toolCalls {
			if tc.ExecutionID == execID {
				delete(m.toolCalls, tcID)
			}
		}
		delete(m.llmExecs, execID)
	}
	for apID, ap := range m.approvals {
		if ap.SessionID == id {
			delete(m.approvals, apID)
		}
	}
	kept := m.events[:0]
	for _, e := range m.events {
		if e.SessionID != id {
			kept = append(kept, e)
		}
	}
	m.events = kept
	return nil
}

// --- Execution state ---

func (m *MemoryStore) SaveExecutionState(ctx context.Context, st *ExecutionState) error {
	defer m.lock(ctx)()
	cp := &ExecutionState{}
	deepCopy(st, cp)
	if cp.NodeStates == nil {
		cp.NodeStates = make(map[string]*NodeState)
	}
	m.execStates[cp.SessionID] = cp
	return nil
}

func (m *MemoryStore) GetExecutionState(ctx context.Context, sessionID string) (*ExecutionState, error) {
	defer m.lock(ctx)()
	st, ok := m.execStates[sessionID]
	if !ok {
		return nil, notFound("execution state", sessionID)
	}
	cp := &ExecutionState{}
	deepCopy(st, cp)
	return cp, nil
}

func (m *MemoryStore) UpdateNodeState(ctx context.Context, sessionID string, state *NodeState) error {
	defer m.lock(ctx)()
	st, ok := m.execStates[sessionID]
	if !ok {
		return notFound("execution state", sessionID)
	}
	cp := &ExecutionState{}
	deepCopy(st, cp)
	ns := &NodeState{}
	deepCopy(state, ns)
	cp.NodeStates[ns.NodeID] = ns
	cp.CurrentNodeID = ns.NodeID
	m.execStates[sessionID] = cp
	return nil
}

// --- LLM executions ---

func (m *MemoryStore) SaveLLMExecution(ctx context.Context, rec *LLMExecution) error {
	defer m.lock(ctx)()
	cp := &LLMExecution{}
	deepCopy(rec, cp)
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	m.llmExecs[cp.ID] = cp
	return nil
}

func (m *MemoryStore) GetLLMExecutionsBySession(ctx context.Context, sessionID string) ([]*LLMExecution, error) {
	defer m.lock(ctx)()
	var out []*LLMExecution
	for _, rec := range m.llmExecs {
		if rec.SessionID != sessionID {
			continue
		}
		cp := &LLMExecution{}
		deepCopy(rec, cp)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) GetLLMExecutionsByNode(ctx context.Context, sessionID, nodeID string) ([]*LLMExecution, error) {
	defer m.lock(ctx)()
	var out []*LLMExecution
	for _, rec := range m.llmExecs {
		if rec.SessionID != sessionID || rec.NodeID != nodeID {
			continue
		}
		cp := &LLMExecution{}
		deepCopy(rec, cp)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// --- Budget pools ---

func (m *MemoryStore) CreateBudgetPool(ctx context.Context, pool *BudgetPool) error {
	defer m.lock(ctx)()
	if _, exists := m.pools[pool.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "budget pool already exists: %s", pool.ID)
	}
	cp := &BudgetPool{}
	deepCopy(pool, cp)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.pools[cp.ID] = cp
	return nil
}

func (m *MemoryStore) GetBudgetPool(ctx context.Context, id string) (*BudgetPool, error) {
	defer m.lock(ctx)()
	p, ok := m.pools[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodePoolNotFound, "budget pool not found: %s", id)
	}
	cp := &BudgetPool{}
	deepCopy(p, cp)
	return cp, nil
}

func (m *MemoryStore) UpdateBudgetPool(ctx context.Context, pool *BudgetPool, expectedVersion int64) error {
	defer m.lock(ctx)()
	cur, ok := m.pools[pool.ID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodePoolNotFound, "budget pool not found: %s", pool.ID)
	}
	if cur.Version != expectedVersion {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"budget pool %s version mismatch: have %d, expected %d", pool.ID, cur.Version, expectedVersion)
	}
	cp := &BudgetPool{}
	deepCopy(pool, cp)
	cp.Version = expectedVersion + 1
	cp.CreatedAt = cur.CreatedAt
	m.pools[cp.ID] = cp
	return nil
}

func (m *MemoryStore) GetChildPools(ctx context.Context, parentID string) ([]*BudgetPool, error) {
	defer m.lock(ctx)()
	var out []*BudgetPool
	for _, p := range m.pools {
		if p.ParentPoolID != parentID {
			continue
		}
		cp := &BudgetPool{}
		deepCopy(p, cp)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Tool call logs ---

func (m *MemoryStore) LogToolCall(ctx context.Context, log *ToolCallLog) error {
	defer m.lock(ctx)()
	cp := &ToolCallLog{}
	deepCopy(log, cp)
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	m.toolCalls[cp.ID] = cp
	return nil
}

func (m *MemoryStore) GetToolCallsByExecution(ctx context.Context, executionID string) ([]*ToolCallLog, error) {
	defer m.lock(ctx)()
	var out []*ToolCallLog
	for _, tc := range m.toolCalls {
		if tc.ExecutionID != executionID {
			continue
		}
		cp := &ToolCallLog{}
		deepCopy(tc, cp)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) GetToolCallsBySession(ctx context.Context, sessionID string) ([]*ToolCallLog, error) {
	defer m.lock(ctx)()
	execIDs := make(map[string]bool)
	for id, rec := range m.llmExecs {
		if rec.SessionID == sessionID {
			execIDs[id] = true
		}
	}
	var out []*ToolCallLog
	for _, tc := range m.toolCalls {
		if !execIDs[tc.ExecutionID] {
			continue
		}
		cp := &ToolCallLog{}
		deepCopy(tc, cp)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// --- Approvals ---

func (m *MemoryStore) CreateApproval(ctx context.Context, req *ApprovalRequest) error {
	defer m.lock(ctx)()
	if _, exists := m.approvals[req.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval already exists: %s", req.ID)
	}
	cp := &ApprovalRequest{}
	deepCopy(req, cp)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.approvals[cp.ID] = cp
	return nil
}

func (m *MemoryStore) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	defer m.lock(ctx)()
	ap, ok := m.approvals[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeApprovalNotFound, "approval not found: %s", id)
	}
	cp := &ApprovalRequest{}
	deepCopy(ap, cp)
	return cp, nil
}

func (m *MemoryStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error) {
	defer m.lock(ctx)()
	var out []*ApprovalRequest
	for _, ap := range m.approvals {
		if filter.SessionID != "" && ap.SessionID != filter.SessionID {
			continue
		}
		if filter.Status != nil && ap.Status != *filter.Status {
			continue
		}
		if filter.Type != nil && ap.Type != *filter.Type {
			continue
		}
		cp := &ApprovalRequest{}
		deepCopy(ap, cp)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, 0, filter.Limit), nil
}

func (m *MemoryStore) UpdateApproval(ctx context.Context, id string, update ApprovalUpdate) error {
	defer m.lock(ctx)()
	ap, ok := m.approvals[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeApprovalNotFound, "approval not found: %s", id)
	}
	cp := &ApprovalRequest{}
	deepCopy(ap, cp)
	if update.Status != nil {
		cp.Status = *update.Status
	}
	if update.ResolvedBy != "" {
		cp.ResolvedBy = update.ResolvedBy
	}
	if update.ResolvedAt != nil {
		cp.ResolvedAt = update.ResolvedAt
	}
	if update.ResolutionNotes != "" {
		cp.ResolutionNotes = update.ResolutionNotes
	}
	m.approvals[id] = cp
	return nil
}

// --- Event log ---

func (m *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	defer m.lock(ctx)()
	cp := &Event{}
	deepCopy(event, cp)
	m.eventSeq++
	cp.ID = m.eventSeq
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	m.events = append(m.events, cp)
	return nil
}

func (m *MemoryStore) GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error) {
	defer m.lock(ctx)()
	var out []*Event
	for _, e := range m.events {
		if e.SessionID != sessionID || e.ID <= since {
			continue
		}
		cp := &Event{}
		deepCopy(e, cp)
		out = append(out, cp)
	}
	return out, nil
}

// --- Maintenance / lifecycle ---

func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// page applies offset/limit to an already-sorted slice.
func page[T any](s []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(s) {
			return nil
		}
		s = s[offset:]
	}
	if limit > 0 && limit < len(s) {
		s = s[:limit]
	}
	return s
}

var _ Store = (*MemoryStore)(nil)
