package server

import (
	"fmt"
	"net/http"

	"github.com/nmoradei/portero-cli/api/schemas"
)

type createSessionRequest struct {
	Instruction string         `json:"instruction"`
	Variables   map[string]any `json:"variables,omitempty"`
}

type approvalRequest struct {
	Approved   bool     `json:"approved"`
	Feedback   string   `json:"feedback,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Instruction == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "instruction is required"})
		return
	}

	session, err := s.eng.StartSession(r.Context(), req.Instruction, req.Variables)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/sessions/%s", session.ID))
	s.writeJSON(w, http.StatusCreated, schemas.Summarize(session))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.eng.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	summaries := make([]schemas.StatusSummary, 0, len(sessions))
	for _, session := range sessions {
		summaries = append(summaries, schemas.Summarize(session))
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.eng.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	err := s.eng.ResolveApproval(r.Context(), schemas.ApprovalDecision{
		SessionID:  id,
		Approved:   req.Approved,
		Feedback:   req.Feedback,
		Conditions: req.Conditions,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	summary, err := s.eng.GetStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.eng.Abort(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	summary, err := s.eng.GetStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.eng.ListPendingApprovals(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	approvals := make([]*schemas.ApprovalRequest, 0, len(sessions))
	for _, session := range sessions {
		if ap := session.OpenApproval(); ap != nil {
			approvals = append(approvals, ap)
		}
	}
	s.writeJSON(w, http.StatusOK, approvals)
}

// handleEvents streams session events as server-sent events. The stream
// is finite: it ends after the session_terminal event, so clients do not
// reconnect to a finished session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.eng.GetSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	ch, cancel := s.eng.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
