package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	apierrors "github.com/narvanalabs/scriptexec/internal/api/errors"
	"github.com/narvanalabs/scriptexec/internal/api/middleware"
	"github.com/narvanalabs/scriptexec/internal/models"
	"github.com/narvanalabs/scriptexec/internal/queue"
	"github.com/narvanalabs/scriptexec/internal/runner"
	"github.com/narvanalabs/scriptexec/internal/store"
)

// ExecutionHandler handles asynchronous execution requests.
type ExecutionHandler struct {
	store  store.Store
	queue  queue.Queue
	logger *slog.Logger
}

// NewExecutionHandler creates a new execution handler.
func NewExecutionHandler(st store.Store, q queue.Queue, logger *slog.Logger) *ExecutionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionHandler{
		store:  st,
		queue:  q,
		logger: logger,
	}
}

// CreateExecutionRequest is the body of POST /v1/executions.
type CreateExecutionRequest struct {
	Code     string `json:"code"`
	Filename string `json:"filename,omitempty"`
}

// Validate validates the request and normalizes the filename.
func (req *CreateExecutionRequest) Validate() *apierrors.APIError {
	var verrs apierrors.ValidationErrors

	if strings.TrimSpace(req.Code) == "" {
		verrs.Add("code", "code is required")
	}

	if req.Filename == "" {
		req.Filename = inlineScriptName
	} else if name, err := runner.SanitizeFilename(req.Filename); err != nil || !strings.HasSuffix(name, ".py") {
		verrs.Add("filename", "filename must name a .py file")
	} else {
		req.Filename = name
	}

	if verrs.HasErrors() {
		return verrs.ToAPIError()
	}
	return nil
}

// Create handles POST /v1/executions - stores and queues a script for execution.
func (h *ExecutionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.WriteRequestError(w, r, apierrors.NewValidationError("Invalid request body"))
		return
	}
	if apiErr := req.Validate(); apiErr != nil {
		apierrors.WriteRequestError(w, r, apiErr)
		return
	}

	exec := &models.Execution{
		ID:          uuid.New().String(),
		Filename:    req.Filename,
		Code:        req.Code,
		Status:      models.ExecutionStatusQueued,
		SubmittedBy: middleware.GetPrincipalID(r.Context()),
		CreatedAt:   time.Now().UTC(),
	}

	if err := h.store.Executions().Create(r.Context(), exec); err != nil {
		h.logger.Error("failed to create execution", "error", err)
		apierrors.WriteRequestError(w, r, apierrors.NewInternalError("Failed to create execution"))
		return
	}

	job := &models.ExecutionJob{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		CreatedAt:   exec.CreatedAt,
	}
	if err := h.queue.Enqueue(r.Context(), job); err != nil {
		h.logger.Error("failed to enqueue execution", "error", err, "execution_id", exec.ID)

		now := time.Now().UTC()
		exec.Status = models.ExecutionStatusFailed
		exec.Error = "failed to queue execution"
		exec.FinishedAt = &now
		if updateErr := h.store.Executions().Update(r.Context(), exec); updateErr != nil {
			h.logger.Error("failed to mark unqueued execution failed", "error", updateErr, "execution_id", exec.ID)
		}

		apierrors.WriteRequestError(w, r, apierrors.NewInternalError("Failed to queue execution"))
		return
	}

	h.logger.Info("execution queued",
		"execution_id", exec.ID,
		"filename", exec.Filename,
		"submitted_by", exec.SubmittedBy,
	)

	apierrors.WriteJSON(w, http.StatusAccepted, exec)
}

// List handles GET /v1/executions - lists executions newest first.
// Query parameters: status (comma separated), limit.
func (h *ExecutionHandler) List(w http.ResponseWriter, r *http.Request) {
	var statuses []models.ExecutionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := models.ExecutionStatus(strings.TrimSpace(part))
			if !status.Valid() {
				apierrors.WriteRequestError(w, r, apierrors.NewValidationError("Invalid status filter").
					WithDetails(map[string]any{"status": string(status)}))
				return
			}
			statuses = append(statuses, status)
		}
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			apierrors.WriteRequestError(w, r, apierrors.NewValidationError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	executions, err := h.store.Executions().List(r.Context(), statuses, limit)
	if err != nil {
		h.logger.Error("failed to list executions", "error", err)
		apierrors.WriteRequestError(w, r, apierrors.NewInternalError("Failed to list executions"))
		return
	}
	if executions == nil {
		executions = []*models.Execution{}
	}

	apierrors.WriteJSON(w, http.StatusOK, executions)
}

// Get handles GET /v1/executions/{executionID} - retrieves one execution.
func (h *ExecutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	if _, err := uuid.Parse(executionID); err != nil {
		apierrors.WriteRequestError(w, r, apierrors.NewNotFoundError("Execution not found"))
		return
	}

	exec, err := h.store.Executions().Get(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.WriteRequestError(w, r, apierrors.NewNotFoundError("Execution not found"))
			return
		}
		h.logger.Error("failed to get execution", "error", err, "execution_id", executionID)
		apierrors.WriteRequestError(w, r, apierrors.NewInternalError("Failed to get execution"))
		return
	}

	apierrors.WriteJSON(w, http.StatusOK, exec)
}
