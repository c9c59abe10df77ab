// Package handlers implements the HTTP handlers of the script execution API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	apierrors "github.com/narvanalabs/scriptexec/internal/api/errors"
	"github.com/narvanalabs/scriptexec/internal/runner"
)

// inlineScriptName is the file name given to code submitted as JSON.
const inlineScriptName = "script.py"

// multipartMemory is the part of an upload parsed into memory; the rest spills to disk.
const multipartMemory = 1 << 20

// ScriptRunner runs script source and reports the outcome.
type ScriptRunner interface {
	RunSource(ctx context.Context, filename string, src []byte) (runner.Result, error)
}

// ExecuteHandler serves synchronous script execution.
type ExecuteHandler struct {
	runner         ScriptRunner
	maxUploadBytes int64
	logger         *slog.Logger
}

// NewExecuteHandler creates a new execute handler. Request bodies larger than
// maxUploadBytes are rejected; zero disables the limit.
func NewExecuteHandler(r ScriptRunner, maxUploadBytes int64, logger *slog.Logger) *ExecuteHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecuteHandler{
		runner:         r,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	Code *string `json:"code"`
}

// Execute handles POST /execute - runs the submitted code and returns its result.
func (h *ExecuteHandler) Execute(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if isTooLarge(err) {
			apierrors.WriteRequestError(w, r, apierrors.NewPayloadTooLargeError("Request body too large"))
			return
		}
		apierrors.WriteRequestError(w, r, apierrors.NewValidationError("Invalid request body"))
		return
	}
	if req.Code == nil {
		apierrors.WriteRequestError(w, r, apierrors.NewValidationError("Field 'code' is required").
			WithDetails(map[string]any{"field": "code"}))
		return
	}

	h.logger.Info("received code execution request", "bytes", len(*req.Code))

	result, err := h.runner.RunSource(r.Context(), inlineScriptName, []byte(*req.Code))
	if err != nil {
		h.logger.Error("failed to process code", "error", err)
		apierrors.WriteRequestError(w, r, apierrors.NewInternalError("Failed to process code"))
		return
	}

	h.logResult(inlineScriptName, result)
	apierrors.WriteJSON(w, http.StatusOK, result)
}

// ExecuteFile handles POST /execute-file - runs an uploaded .py file sent in
// the multipart field "script".
func (h *ExecuteHandler) ExecuteFile(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isTooLarge(err) {
			apierrors.WriteRequestError(w, r, apierrors.NewPayloadTooLargeError("Uploaded file too large"))
			return
		}
		apierrors.WriteRequestError(w, r, apierrors.NewValidationError("Invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("script")
	if err != nil {
		apierrors.WriteRequestError(w, r, apierrors.NewValidationError("Field 'script' is required").
			WithDetails(map[string]any{"field": "script"}))
		return
	}
	defer file.Close()

	if !strings.HasSuffix(header.Filename, ".py") {
		apierrors.WriteRequestError(w, r, apierrors.NewValidationError("Only Python files (.py) are allowed"))
		return
	}

	name, err := runner.SanitizeFilename(header.Filename)
	if err != nil {
		apierrors.WriteRequestError(w, r, apierrors.NewValidationError("Only Python files (.py) are allowed"))
		return
	}

	h.logger.Info("received file execution request", "filename", name, "bytes", header.Size)

	src, err := io.ReadAll(file)
	if err != nil {
		h.logger.Error("failed to read uploaded file", "filename", name, "error", err)
		apierrors.WriteRequestError(w, r, apierrors.NewInternalError("Failed to process uploaded file"))
		return
	}

	result, err := h.runner.RunSource(r.Context(), name, src)
	if err != nil {
		h.logger.Error("failed to process uploaded file", "filename", name, "error", err)
		apierrors.WriteRequestError(w, r, apierrors.NewInternalError("Failed to process uploaded file"))
		return
	}

	h.logResult(name, result)
	apierrors.WriteJSON(w, http.StatusOK, result)
}

func (h *ExecuteHandler) limitBody(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}
}

func (h *ExecuteHandler) logResult(name string, result runner.Result) {
	if result.Success {
		h.logger.Info("script executed successfully", "filename", name, "duration", result.Duration.String())
		return
	}
	h.logger.Warn("script execution failed", "filename", name, "exit_code", result.ExitCode, "error", result.Error)
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
