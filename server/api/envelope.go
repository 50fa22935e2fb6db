package apiserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	pkgerrors "github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/pkg/errors"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/catalog"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/codec"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/credentials"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/engine"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/logger"
	metrics "github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/metrics/prometheus"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/schemas"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/session"
)

// Error kinds carried in failure envelopes. The UI branches on these,
// not on HTTP status codes.
const (
	kindValidation        = "validation_error"
	kindAuthRequired      = "authentication_required"
	kindAlreadyOpen       = "already_open"
	kindNotOpen           = "not_open"
	kindEngine            = "engine_error"
	kindDecryptionFailed  = "decryption_failed"
	kindFrameConstruction = "frame_construction_error"
	kindModuleNotFound    = "module_not_found"
	kindNotFound          = "not_found"
	kindBadRequest        = "bad_request"
	kindRateLimited       = "rate_limited"
	kindInternal          = "internal_error"
)

// apiError pins the status and kind for failures classified at the
// call site rather than by sentinel.
type apiError struct {
	Status  int
	Kind    string
	Message string
}

func (e *apiError) Error() string { return e.Message }

func badRequestf(format string, args ...any) *apiError {
	return &apiError{Status: http.StatusBadRequest, Kind: kindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// errorBody is the error half of a failure envelope.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// failureEnvelope is the wire shape of every failed request.
type failureEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

// writeSuccess merges the success flag into body and writes it as JSON.
func (s *Server) writeSuccess(w http.ResponseWriter, status int, body map[string]any) {
	if body == nil {
		body = map[string]any{}
	}
	body["success"] = true
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("encoding response envelope", "error", err)
	}
}

// writeError classifies err into a failure envelope. Native engine
// failures keep the engine's own message verbatim and are counted per
// operation.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, kind, message := classify(err)

	var engErr *session.EngineError
	if errors.As(err, &engErr) {
		metrics.RecordEngineError(engErr.Op)
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "kind", kind, "status", status, "error", message)
	} else {
		logger.Debug("request rejected", "kind", kind, "status", status, "error", message)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	env := failureEnvelope{Error: errorBody{Kind: kind, Message: message}}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logger.Warn("encoding error envelope", "error", err)
	}
}

// classify maps an error onto an HTTP status and a wire kind.
func classify(err error) (status int, kind, message string) {
	var api *apiError
	if errors.As(err, &api) {
		return api.Status, api.Kind, api.Message
	}

	message = err.Error()
	var engErr *session.EngineError
	if errors.As(err, &engErr) {
		message = engErr.Message()
	}

	switch {
	case errors.Is(err, session.ErrAlreadyOpen):
		return http.StatusConflict, kindAlreadyOpen, message
	case errors.Is(err, session.ErrAuthRequired):
		return http.StatusUnauthorized, kindAuthRequired, message
	case errors.Is(err, session.ErrNotOpen),
		errors.Is(err, session.ErrNotEditing),
		errors.Is(err, engine.ErrNotOpen):
		return http.StatusConflict, kindNotOpen, message
	case errors.Is(err, engine.ErrDecryptionFailed):
		return http.StatusUnauthorized, kindDecryptionFailed, message
	case errors.Is(err, engine.ErrModuleNotFound),
		errors.Is(err, engine.ErrEncounterNotFound):
		return http.StatusNotFound, kindModuleNotFound, message
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, codec.ErrFrameOutOfRange):
		return http.StatusNotFound, kindNotFound, message
	case errors.Is(err, codec.ErrNotImage),
		errors.Is(err, codec.ErrFramesNotAllowed),
		errors.Is(err, schemas.ErrUnknownSchema),
		errors.Is(err, credentials.ErrEmptyIdentity),
		errors.Is(err, credentials.ErrEmptySecret):
		return http.StatusUnprocessableEntity, kindValidation, message
	}

	var frameErr *codec.FrameConstructionError
	if errors.As(err, &frameErr) {
		return http.StatusUnprocessableEntity, kindFrameConstruction, message
	}
	var schemaErr *schemas.ValidationError
	if errors.As(err, &schemaErr) {
		return http.StatusUnprocessableEntity, kindValidation, message
	}
	if engErr != nil {
		return http.StatusInternalServerError, kindEngine, message
	}
	var ctxErr *pkgerrors.ContextualError
	if errors.As(err, &ctxErr) {
		return contextualStatus(ctxErr), contextualKind(ctxErr), message
	}
	return http.StatusInternalServerError, kindInternal, message
}

func contextualStatus(err *pkgerrors.ContextualError) int {
	if err.StatusCode != 0 {
		return err.StatusCode
	}
	return http.StatusInternalServerError
}

func contextualKind(err *pkgerrors.ContextualError) string {
	switch status := contextualStatus(err); {
	case status == http.StatusUnprocessableEntity:
		return kindValidation
	case status < http.StatusInternalServerError:
		return kindBadRequest
	default:
		return kindInternal
	}
}
