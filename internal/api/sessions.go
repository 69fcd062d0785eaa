package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
	"github.com/hugo-lorenzo-mato/datascout/internal/flow"
)

// FlowService is the engine surface the API depends on. Implemented by
// flow.Manager.
type FlowService interface {
	Initialize(ctx context.Context, tenant core.TenantID, engagement core.EngagementID, preview string, phases []core.Phase) (*core.FlowSession, error)
	Advance(ctx context.Context, id core.SessionID) (*flow.AdvanceOutcome, error)
	Pause(ctx context.Context, id core.SessionID) (*core.FlowSession, error)
	Resume(ctx context.Context, id core.SessionID) (*core.FlowSession, error)
	Status(ctx context.Context, id core.SessionID) (*core.SessionSnapshot, error)
	List(ctx context.Context, tenant core.TenantID) ([]*core.FlowSession, error)
	Archive(ctx context.Context) (int, error)
}

type createSessionRequest struct {
	Tenant       string   `json:"tenant"`
	Engagement   string   `json:"engagement"`
	InputPreview string   `json:"input_preview,omitempty"`
	Phases       []string `json:"phases,omitempty"`
}

type sessionResponse struct {
	Session *core.FlowSession `json:"session"`
}

type statusResponse struct {
	Session   *core.FlowSession           `json:"session"`
	Phases    []phaseStatus               `json:"phases"`
	Completed []core.Phase                `json:"completed_phases"`
	Results   map[string]core.PhaseResult `json:"results,omitempty"`
}

type phaseStatus struct {
	Phase     core.Phase `json:"phase"`
	Completed bool       `json:"completed"`
	Active    bool       `json:"active"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	phases := s.defaultPhases
	if len(req.Phases) > 0 {
		phases = make([]core.Phase, 0, len(req.Phases))
		for _, name := range req.Phases {
			p, err := core.ParsePhase(name)
			if err != nil {
				s.respondDomainError(w, err)
				return
			}
			phases = append(phases, p)
		}
	}

	session, err := s.flows.Initialize(r.Context(),
		core.TenantID(req.Tenant), core.EngagementID(req.Engagement), req.InputPreview, phases)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sessionResponse{Session: session})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	tenant := core.TenantID(r.URL.Query().Get("tenant"))
	sessions, err := s.flows.List(r.Context(), tenant)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := core.SessionID(chi.URLParam(r, "sessionID"))

	snapshot, err := s.flows.Status(r.Context(), id)
	if err != nil {
		// A diverged record still comes back with its snapshot; return
		// both so operators can inspect the conflicting state.
		if snapshot != nil && core.IsCategory(err, core.ErrCatConflict) {
			s.respondConflictSnapshot(w, snapshot, err)
			return
		}
		s.respondDomainError(w, err)
		return
	}

	resp := statusResponse{
		Session:   snapshot.Session,
		Completed: snapshot.CompletedPhases(),
		Results:   make(map[string]core.PhaseResult, len(snapshot.Results)),
	}
	active, _ := snapshot.Session.ActivePhase()
	for _, p := range snapshot.Session.Phases {
		result, ok := snapshot.Results[p]
		resp.Phases = append(resp.Phases, phaseStatus{
			Phase:     p,
			Completed: ok && result.Completed,
			Active:    p == active && snapshot.Session.Status == core.SessionStatusRunning,
		})
	}
	for p, result := range snapshot.Results {
		resp.Results[string(p)] = result
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	id := core.SessionID(chi.URLParam(r, "sessionID"))

	outcome, err := s.flows.Advance(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	// A halt is a valid advance outcome, not a transport error: the body
	// carries the reason and the session state.
	respondJSON(w, http.StatusOK, outcome)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := core.SessionID(chi.URLParam(r, "sessionID"))

	session, err := s.flows.Pause(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{Session: session})
}

// handleResume flips the session back to running and immediately
// re-advances the current phase, so one resume call picks up where the
// pause left off.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := core.SessionID(chi.URLParam(r, "sessionID"))

	if _, err := s.flows.Resume(r.Context(), id); err != nil {
		s.respondDomainError(w, err)
		return
	}
	outcome, err := s.flows.Advance(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleArchiveSessions(w http.ResponseWriter, r *http.Request) {
	count, err := s.flows.Archive(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"archived": count})
}

func (s *Server) handleListInsights(w http.ResponseWriter, r *http.Request) {
	id := core.SessionID(chi.URLParam(r, "sessionID"))
	category := r.URL.Query().Get("category")

	snapshot, err := s.flows.Status(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	insights, err := s.insights.Query(r.Context(), snapshot.Session.Tenant, id, category)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"insights": insights})
}
