package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/types"
)

// submitTaskRequest is the POST /api/v1/tasks body
type submitTaskRequest struct {
	Description        string   `json:"description"`
	Priority           string   `json:"priority"`
	NeededCapabilities []string `json:"needed_capabilities"`
	DependsOn          []string `json:"depends_on"`
	GoalID             string   `json:"goal_id"`
	MaxRetries         int      `json:"max_retries"`
	CompleteBy         int64    `json:"complete_by"`
	Repo               string   `json:"repo"`
	Branch             string   `json:"branch"`
	FileHints          []string `json:"file_hints"`
	SuccessCriteria    []string `json:"success_criteria"`
	VerificationSteps  []string `json:"verification_steps"`
	Complexity         string   `json:"complexity"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var errs []string
	if strings.TrimSpace(req.Description) == "" {
		errs = append(errs, "description is required")
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
	if req.MaxRetries < 0 {
		errs = append(errs, "max_retries must not be negative")
	}
	if len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	task, err := s.queue.Submit(queue.SubmitParams{
		Description:        req.Description,
		Priority:           priority,
		NeededCapabilities: req.NeededCapabilities,
		DependsOn:          req.DependsOn,
		GoalID:             req.GoalID,
		MaxRetries:         req.MaxRetries,
		CompleteBy:         req.CompleteBy,
		Repo:               req.Repo,
		Branch:             req.Branch,
		FileHints:          req.FileHints,
		SuccessCriteria:    req.SuccessCriteria,
		VerificationSteps:  req.VerificationSteps,
		Complexity:         types.ComplexityTier(req.Complexity),
	})
	if err != nil {
		if errors.Is(err, queue.ErrUnknownDependency) {
			writeValidation(w, []string{err.Error()})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := queue.Filter{
		Status:     types.TaskStatus(q.Get("status")),
		AssignedTo: q.Get("assigned_to"),
		GoalID:     q.Get("goal_id"),
	}
	if p := q.Get("priority"); p != "" {
		parsed, err := types.ParsePriority(p)
		if err != nil {
			writeValidation(w, []string{"priority must be one of urgent, high, normal, low"})
			return
		}
		f.Priority = &parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.queue.List(f)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.queue.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.queue.Cancel(r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, queue.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleRetryTask moves a dead-lettered task back onto the queue
func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.queue.Retry(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "no dead-lettered task with that id")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	tasks := s.queue.List(queue.Filter{Status: types.TaskStatusDeadLetter})
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}
