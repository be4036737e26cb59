package handlers

import (
	"net/http"

	"github.com/upb/api-gatekeeper/services"
	"github.com/upb/api-gatekeeper/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses.
// Authentication failures share one generic message so callers cannot tell them apart.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)

	var writeErr error
	switch {
	case services.IsNotFoundError(err):
		writeErr = utils.WriteNotFound(w, err.Error())

	case services.IsValidationError(err):
		writeErr = utils.WriteBadRequest(w, err.Error(), details)

	case services.IsUnauthenticatedError(err):
		logger.Debug("authentication failed", zap.Error(err))
		writeErr = utils.WriteUnauthorized(w, "Invalid credentials")

	case services.IsForbiddenError(err):
		writeErr = utils.WriteForbidden(w, "Insufficient permissions")

	case services.IsRateLimitError(err):
		writeErr = utils.WriteTooManyRequests(w, "", details)

	case services.IsSinkUnavailableError(err):
		logger.Warn("audit sink unavailable", zap.Error(err))
		writeErr = utils.WriteServiceUnavailable(w, "Audit store unavailable")

	case services.IsInternalError(err):
		// Log internal errors but return generic message
		logger.Error("internal server error", zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "An internal error occurred")

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		writeErr = utils.WriteInternalServerError(w, "An unexpected error occurred")
	}

	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	// Generic validation error
	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
