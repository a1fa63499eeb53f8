package engine

import (
	"context"
	"sync"

	"github.com/dirt-rain/aaow/internal/store"
	"github.com/dirt-rain/aaow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Session FSM ---

type sessionHookKey struct {
	from, to schema.SessionStatus
}

// SessionFSM manages session lifecycle state transitions.
type SessionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[sessionHookKey][]TransitionHook
	after    map[sessionHookKey][]TransitionHook
}

// NewSessionFSM creates a new SessionFSM that emits events via the given appender.
func NewSessionFSM(appender EventAppender) *SessionFSM {
	return &SessionFSM{
		appender: appender,
		before:   make(map[sessionHookKey][]TransitionHook),
		after:    make(map[sessionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a session transition.
func (f *SessionFSM) OnBefore(from, to schema.SessionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sessionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a session transition.
func (f *SessionFSM) OnAfter(from, to schema.SessionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sessionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a session state transition, emitting the
// corresponding event. The caller is responsible for persisting the new
// status to the store.
func (f *SessionFSM) Transition(ctx context.Context, sessionID string, from, to schema.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidSessionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid session transition: %s -> %s", from, to).
			WithDetails(map[string]any{"session_id": sessionID, "from": string(from), "to": string(to)})
	}

	key := sessionHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := sessionEventType(from, to)
	if eventType != "" {
		event := &store.Event{
			SessionID: sessionID,
			Type:      eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit session event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidSessionTransition(from, to schema.SessionStatus) bool {
	allowed, ok := ValidSessionTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func sessionEventType(from, to schema.SessionStatus) string {
	switch {
	case to == schema.SessionStatusCompleted:
		return schema.EventSessionCompleted
	case to == schema.SessionStatusFailed:
		return schema.EventSessionFailed
	case to.Waiting() || to == schema.SessionStatusPaused:
		return schema.EventSessionSuspended
	case to == schema.SessionStatusRunning && (from.Waiting() || from == schema.SessionStatusPaused):
		return schema.EventSessionResumed
	default:
		return ""
	}
}

// --- Node FSM ---

type nodeHookKey struct {
	from, to schema.NodeStatus
}

// NodeFSM manages node lifecycle state transitions.
type NodeFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[nodeHookKey][]TransitionHook
	after    map[nodeHookKey][]TransitionHook
}

// NewNodeFSM creates a new NodeFSM that emits events via the given appender.
func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{
		appender: appender,
		before:   make(map[nodeHookKey][]TransitionHook),
		after:    make(map[nodeHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a node transition.
func (f *NodeFSM) OnBefore(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a node transition.
func (f *NodeFSM) OnAfter(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a node state transition, emitting the
// corresponding event.
func (f *NodeFSM) Transition(ctx context.Context, sessionID, nodeID string, from, to schema.NodeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"session_id": sessionID, "from": string(from), "to": string(to)})
	}

	key := nodeHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := nodeEventType(to)
	if eventType != "" {
		event := &store.Event{
			SessionID: sessionID,
			NodeID:    nodeID,
			Type:      eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).
				WithNode(nodeID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidNodeTransition(from, to schema.NodeStatus) bool {
	allowed, ok := ValidNodeTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusRunning:
		return schema.EventNodeStarted
	case schema.NodeStatusCompleted:
		return schema.EventNodeCompleted
	case schema.NodeStatusFailed:
		return schema.EventNodeFailed
	case schema.NodeStatusSkipped:
		return schema.EventNodeSkipped
	case schema.NodeStatusWaitingForApproval, schema.NodeStatusWaitingForReview:
		return schema.EventNodeSuspended
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidSessionTransitions defines the allowed state transitions for sessions.
var ValidSessionTransitions = map[schema.SessionStatus][]schema.SessionStatus{
	schema.SessionStatusRunning: {
		schema.SessionStatusPaused,
		schema.SessionStatusCompleted,
		schema.SessionStatusFailed,
		schema.SessionStatusWaitingForHumanReview,
		schema.SessionStatusWaitingForBudgetApproval,
		schema.SessionStatusWaitingForWorkflowApproval,
	},
	schema.SessionStatusPaused:                     {schema.SessionStatusRunning, schema.SessionStatusFailed},
	schema.SessionStatusWaitingForHumanReview:      {schema.SessionStatusRunning, schema.SessionStatusFailed},
	schema.SessionStatusWaitingForBudgetApproval:   {schema.SessionStatusRunning, schema.SessionStatusFailed},
	schema.SessionStatusWaitingForWorkflowApproval: {schema.SessionStatusRunning, schema.SessionStatusFailed},
	schema.SessionStatusCompleted:                  {},
	schema.SessionStatusFailed:                     {},
}

// ValidNodeTransitions defines the allowed state transitions for nodes.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending: {schema.NodeStatusRunning, schema.NodeStatusSkipped},
	schema.NodeStatusRunning: {
		schema.NodeStatusCompleted,
		schema.NodeStatusFailed,
		schema.NodeStatusWaitingForApproval,
		schema.NodeStatusWaitingForReview,
	},
	schema.NodeStatusWaitingForApproval: {schema.NodeStatusRunning, schema.NodeStatusFailed, schema.NodeStatusSkipped},
	schema.NodeStatusWaitingForReview:   {schema.NodeStatusRunning, schema.NodeStatusFailed, schema.NodeStatusSkipped},
	schema.NodeStatusCompleted:          {},
	schema.NodeStatusFailed:             {},
	schema.NodeStatusSkipped:            {},
}
