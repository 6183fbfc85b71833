package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/runbox/internal/apperror"
	"github.com/sakif/runbox/internal/auth"
	"github.com/sakif/runbox/internal/executor"
	"github.com/sakif/runbox/internal/middleware"
	"github.com/sakif/runbox/internal/service"
)

// DefaultMaxBodyBytes bounds the request body before JSON decoding. The
// service applies the precise per-field ceilings afterwards.
const DefaultMaxBodyBytes = 1 << 20

// ExecuteResponse is the wire shape of a finished execution.
type ExecuteResponse struct {
	ErrorString  string          `json:"errorString"`
	OutputString string          `json:"outputString"`
	Status       executor.Status `json:"status"`
	ExitCode     *int            `json:"exitCode"`
	WallTimeMs   int64           `json:"wallTimeMs"`
}

// ExecuteHandler handles code execution requests.
type ExecuteHandler struct {
	exec         executor.Executor
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewExecuteHandler creates a new ExecuteHandler.
func NewExecuteHandler(exec executor.Executor, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		exec:         exec,
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       logger,
	}
}

// HandleExecute decodes {language, codeSnippet, stdin}, runs it, and always
// answers 200 once the code was admitted, whatever the code itself did.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req executor.ExecutionRequest
	if err := dec.Decode(&req); err != nil {
		h.logger.Warn("invalid execution request body", slog.String("error", err.Error()))
		writeError(w, apperror.ValidationFailed("body", decodeMessage(err)))
		return
	}

	ctx := service.WithClient(r.Context(), clientOf(r))
	result, err := h.exec.Execute(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			h.logger.Info("client gave up while queued", slog.String("language", req.Language))
			writeError(w, apperror.Busy("request cancelled before it could run"))
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toResponse(result))
}

// toResponse shapes a result for the wire.
//
// outputString is dropped when nothing ran (CompileError, InternalError) and
// kept, possibly partial, otherwise. errorString falls back to the
// classification message when the program wrote nothing to stderr, so a
// Timeout or a SIGKILL never comes back with an empty explanation.
func toResponse(res *executor.ExecutionResult) ExecuteResponse {
	out := ExecuteResponse{
		ErrorString:  res.Stderr,
		OutputString: res.Stdout,
		Status:       res.Status,
		ExitCode:     res.ExitCode,
		WallTimeMs:   res.Duration.Milliseconds(),
	}
	switch res.Status {
	case executor.StatusCompileError, executor.StatusInternalError:
		out.OutputString = ""
	}
	if out.ErrorString == "" {
		out.ErrorString = res.Message
	}
	return out
}

func decodeMessage(err error) string {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return "request body too large"
	}
	return "invalid JSON body: " + err.Error()
}

// clientOf names the caller for the audit log and the rate limiter.
func clientOf(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return p
	}
	return middleware.ClientIP(r)
}

// ClientKey is clientOf exported for the rate-limit middleware.
func ClientKey(r *http.Request) string {
	return clientOf(r)
}
