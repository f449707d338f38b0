package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/agentcom/agentcom/pkg/backlog"
	"github.com/agentcom/agentcom/pkg/types"
)

// submitGoalRequest is the POST /api/v1/goals body
type submitGoalRequest struct {
	Description     string   `json:"description"`
	SuccessCriteria []string `json:"success_criteria"`
	Priority        string   `json:"priority"`
	DependsOn       []string `json:"depends_on"`
	Source          string   `json:"source"`
}

func (s *Server) handleSubmitGoal(w http.ResponseWriter, r *http.Request) {
	var req submitGoalRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var errs []string
	if strings.TrimSpace(req.Description) == "" {
		errs = append(errs, "description is required")
	}
	if len(req.SuccessCriteria) == 0 {
		errs = append(errs, "at least one success criterion is required")
	}
	priority := types.PriorityNormal
	if req.Priority != "" {
		p, err := types.ParsePriority(req.Priority)
		if err != nil {
			errs = append(errs, "priority must be one of urgent, high, normal, low")
		} else {
			priority = p
		}
	}
	if len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	source := types.GoalSource(req.Source)
	if source == "" {
		source = types.GoalSourceAPI
	}

	goal, err := s.backlog.Submit(backlog.SubmitParams{
		Description:     req.Description,
		SuccessCriteria: req.SuccessCriteria,
		Priority:        priority,
		DependsOn:       req.DependsOn,
		Source:          source,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, goal)
}

func (s *Server) handleListGoals(w http.ResponseWriter, r *http.Request) {
	status := types.GoalStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, map[string]any{
		"goals": s.backlog.List(status),
		"stats": s.backlog.Stats(),
	})
}

func (s *Server) handleGetGoal(w http.ResponseWriter, r *http.Request) {
	goal, err := s.backlog.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "goal not found")
		return
	}
	writeJSON(w, http.StatusOK, goal)
}

// goalTransitionRequest is the POST /api/v1/goals/{id}/transition body
type goalTransitionRequest struct {
	To           string   `json:"to"`
	Reason       string   `json:"reason"`
	ChildTaskIDs []string `json:"child_task_ids"`
}

func (s *Server) handleGoalTransition(w http.ResponseWriter, r *http.Request) {
	var req goalTransitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.To == "" {
		writeValidation(w, []string{"to is required"})
		return
	}

	goal, err := s.backlog.Transition(r.PathValue("id"), types.GoalStatus(req.To), req.Reason, req.ChildTaskIDs)
	if err != nil {
		switch {
		case errors.Is(err, backlog.ErrGoalNotFound):
			writeError(w, http.StatusNotFound, "goal not found")
		case errors.Is(err, backlog.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, goal)
}

func (s *Server) handleGoalProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.backlog.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "goal not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"goal_id":  id,
		"progress": s.queue.GoalProgress(id),
		"tasks":    s.queue.TasksForGoal(id),
	})
}
