package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/runtime"
)

const maxRequestBody = 1 << 20

// healthResponse is the JSON response for GET /health.
type healthResponse struct {
	Status   string `json:"status"`
	Agent    string `json:"agent"`
	Sessions *int   `json:"sessions,omitempty"`
}

// completeRequest is the JSON body of POST /v1/complete.
type completeRequest struct {
	SessionID string `json:"sessionId"`
	Input     string `json:"input"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// handleHealth reports 503 when the session store cannot be reached.
func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Agent: s.rt.Agent().Name()}
		status := http.StatusOK
		if st := s.rt.Store(); st != nil {
			n, err := st.Count(r.Context())
			if err != nil {
				s.logger.Warn("health check store count failed", "error", err)
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
			} else {
				resp.Sessions = &n
			}
		}
		writeJSON(w, status, resp)
	}
}

// handleComplete runs one turn, executing tool calls with the agent's
// handlers until the model answers.
func (s *Server) handleComplete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req completeRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		result, err := s.rt.Executor().Execute(r.Context(), &runtime.Request{
			SessionID: req.SessionID,
			Input:     req.Input,
		})
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// handleListSessions returns the ids of stored sessions.
func (s *Server) handleListSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := s.rt.Store()
		if st == nil {
			writeError(w, http.StatusServiceUnavailable, "no session backend configured")
			return
		}
		ids, err := st.List(r.Context())
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"sessions": ids})
	}
}

// handleGetSession returns a stored session record.
func (s *Server) handleGetSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := s.rt.Store()
		if st == nil {
			writeError(w, http.StatusServiceUnavailable, "no session backend configured")
			return
		}
		rec, err := st.Load(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// handleDeleteSession closes a live session and removes its record.
func (s *Server) handleDeleteSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := s.rt.Agent().Sessions()
		if sessions == nil {
			writeError(w, http.StatusServiceUnavailable, "no session backend configured")
			return
		}
		id := chi.URLParam(r, "id")
		ok, err := sessions.Store().Exists(r.Context(), id)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if err := sessions.Delete(r.Context(), id); err != nil {
			s.writeFailure(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// writeFailure maps an error kind onto an HTTP status.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	kind := errorskg.KindOf(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errorskg.ErrNotFound):
		status = http.StatusNotFound
	case kind == errorskg.KindValidation:
		status = http.StatusBadRequest
	case kind == errorskg.KindSessionState, kind == errorskg.KindCancelled:
		status = http.StatusConflict
	case kind == errorskg.KindTransport, kind == errorskg.KindProtocol:
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err, "kind", kind.String())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), Kind: kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
