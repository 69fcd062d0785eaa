package api

import (
	"errors"
	"net/http"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
)

type errorResponse struct {
	Error          string `json:"error"`
	Code           string `json:"code,omitempty"`
	Classification string `json:"classification,omitempty"`
	Retryable      bool   `json:"retryable,omitempty"`
}

// respondDomainError maps engine error categories onto HTTP status codes.
// Busy checkouts get a Retry-After hint; terminated sessions are gone, not
// conflicted; record divergence is a server-side consistency fault.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	var derr *core.DomainError
	if !errors.As(err, &derr) {
		s.log.Error("unclassified error", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch derr.Category {
	case core.ErrCatConfiguration:
		status = http.StatusBadRequest
	case core.ErrCatNotFound:
		status = http.StatusNotFound
	case core.ErrCatBusy:
		w.Header().Set("Retry-After", "5")
		status = http.StatusConflict
	case core.ErrCatState:
		status = http.StatusConflict
	case core.ErrCatTerminated:
		status = http.StatusGone
	case core.ErrCatConflict, core.ErrCatFatal, core.ErrCatInternal, core.ErrCatStep:
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "category", derr.Category, "code", derr.Code, "error", derr.Message)
	}
	respondJSON(w, status, errorResponse{
		Error:          derr.Message,
		Code:           derr.Code,
		Classification: string(derr.Category),
		Retryable:      derr.Retryable,
	})
}

type conflictResponse struct {
	errorResponse
	Snapshot *core.SessionSnapshot `json:"snapshot"`
}

// respondConflictSnapshot reports a record divergence without discarding
// the snapshot that accompanied it.
func (s *Server) respondConflictSnapshot(w http.ResponseWriter, snapshot *core.SessionSnapshot, err error) {
	var derr *core.DomainError
	if !errors.As(err, &derr) {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Error("diverged session records", "code", derr.Code, "error", derr.Message)
	respondJSON(w, http.StatusInternalServerError, conflictResponse{
		errorResponse: errorResponse{
			Error:          derr.Message,
			Code:           derr.Code,
			Classification: string(derr.Category),
			Retryable:      derr.Retryable,
		},
		Snapshot: snapshot,
	})
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
