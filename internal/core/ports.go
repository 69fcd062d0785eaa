package core

import (
	"context"
	"time"
)

// TenantCtx scopes an operation to one tenant and engagement. Every agent
// checkout and insight write carries it; the engine enforces that it
// matches the owning session's tenant.
type TenantCtx struct {
	Tenant     TenantID
	Engagement EngagementID
	Session    SessionID
}

// StepInput is the context handed to one crew step.
type StepInput struct {
	Phase        Phase
	Role         string
	InputPreview string
	// PriorOutputs accumulates the outputs of already-completed steps
	// (context chaining in ordered mode, dependency outputs in graph mode).
	PriorOutputs map[string]map[string]interface{}
	// Insights is the projection of cross-phase insights visible to this
	// step.
	Insights []Insight
	Prompt   string
}

// StepOutput is the structured result of one task-execution call.
type StepOutput struct {
	Output     map[string]interface{}
	Confidence float64
	// Insights are candidate facts the step produced; the coordinator
	// appends them to the insight store before releasing dependents.
	Insights []Insight
}

// Invoker is the opaque task-execution capability boundary. The engine
// treats it as a black box with bounded latency and a possible failure
// outcome; deadlines arrive through ctx.
type Invoker interface {
	Invoke(ctx context.Context, role string, input StepInput, tenant TenantCtx) (*StepOutput, error)
}

// InvokerFactory constructs the invoker backing a pooled agent instance.
type InvokerFactory interface {
	NewInvoker(tenant TenantCtx, role string) (Invoker, error)
}

// LifecycleStore persists the coarse lifecycle record: status, timestamps,
// and phase index. Writes of a single record are atomic; SaveSession must
// reject stale versions with a conflict error.
type LifecycleStore interface {
	SaveSession(ctx context.Context, session *FlowSession) error
	LoadSession(ctx context.Context, id SessionID) (*FlowSession, error)
	// ListSessions returns sessions for a tenant, newest first. An empty
	// tenant lists all sessions.
	ListSessions(ctx context.Context, tenant TenantID) ([]*FlowSession, error)
	// ActiveSession returns the running or paused session for the key, if
	// any. Backs the one-active-session-per-(tenant, engagement) invariant.
	ActiveSession(ctx context.Context, tenant TenantID, engagement EngagementID) (*FlowSession, error)
	// ArchiveSessions soft-archives terminal sessions and returns how many
	// were touched.
	ArchiveSessions(ctx context.Context) (int, error)
}

// OperationalStore persists the fine-grained operational record: one
// immutable PhaseResult per (session, phase) execution.
type OperationalStore interface {
	SavePhaseResult(ctx context.Context, result *PhaseResult) error
	LoadPhaseResults(ctx context.Context, id SessionID) (map[Phase]PhaseResult, error)
}

// InsightStore is the append-only record of cross-phase findings.
// Append succeeds or fails atomically; Query is ordered by creation time
// and restartable, so callers may safely re-run it.
type InsightStore interface {
	Append(ctx context.Context, insight *Insight) (InsightID, error)
	// Query returns insights scoped to tenant and session, oldest first.
	// An empty category matches all categories.
	Query(ctx context.Context, tenant TenantID, session SessionID, category string) ([]Insight, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
