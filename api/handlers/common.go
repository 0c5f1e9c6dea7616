package handlers

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/alexngai/gitswarm-sub001/api"
	"github.com/alexngai/gitswarm-sub001/swarm/backend"
	"github.com/alexngai/gitswarm-sub001/swarm/consensus"
	"github.com/alexngai/gitswarm-sub001/swarm/executor"
	"github.com/alexngai/gitswarm-sub001/swarm/store"
)

// =============================================================================
// Response envelope
// =============================================================================

// Response is an alias for api.Response to avoid duplicate definitions.
// The canonical definition lives in api/types.go.
type Response = api.Response

// ErrorInfo is an alias for api.ErrorInfo.
type ErrorInfo = api.ErrorInfo

// Error codes carried in ErrorInfo.Code.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeNotFound          = "NOT_FOUND"
	CodeConflict          = "CONFLICT"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeStaleReviewState  = "STALE_REVIEW_STATE"
	CodeNotExecutable     = "NOT_EXECUTABLE"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeUnavailable       = "SERVICE_UNAVAILABLE"
	CodeInternalError     = "INTERNAL_ERROR"
)

// maxRequestBody caps decoded request bodies at 1 MB.
const maxRequestBody = 1 << 20

// =============================================================================
// Response helpers
// =============================================================================

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written; nothing more can be sent.
		return
	}
}

// WriteSuccess writes a successful envelope around data.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError writes an error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string, logger *zap.Logger) {
	if logger != nil {
		logger.Error("API error",
			zap.String("code", code),
			zap.String("message", message),
			zap.Int("status", status),
		)
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:       code,
			Message:    message,
			Retryable:  retryableCode(code),
			HTTPStatus: status,
		},
		Timestamp: time.Now(),
	})
}

// WriteDomainError maps a domain error onto an HTTP status and error
// code, then writes the error envelope.
func WriteDomainError(w http.ResponseWriter, err error, logger *zap.Logger) {
	status, code := mapDomainError(err)
	WriteError(w, status, code, err.Error(), logger)
}

// mapDomainError classifies the sentinel errors of the swarm packages.
func mapDomainError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, store.ErrStoreClosed):
		return http.StatusServiceUnavailable, CodeUnavailable
	case errors.Is(err, consensus.ErrStaleReviewState):
		return http.StatusConflict, CodeStaleReviewState
	case errors.Is(err, executor.ErrNotExecutable):
		return http.StatusConflict, CodeNotExecutable
	case errors.Is(err, executor.ErrUnknownProposalType):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, backend.ErrUnknownBackend),
		errors.Is(err, store.ErrInvalidConfig):
		return http.StatusInternalServerError, CodeInternalError
	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}

// retryableCode reports whether a request failing with this code can
// succeed on retry without operator intervention.
func retryableCode(code string) bool {
	switch code {
	case CodeStaleReviewState, CodeRateLimited, CodeUnavailable:
		return true
	}
	return false
}

// =============================================================================
// Request validation helpers
// =============================================================================

// DecodeJSONBody decodes a JSON request body into dst. The body is
// capped at 1 MB and unknown fields are rejected. On failure the 400
// response has already been written; the caller just returns.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil {
		err := errors.New("request body is empty")
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), logger)
		return err
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body", logger)
		return err
	}

	return nil
}

// ValidateContentType checks that the request carries a JSON body.
// Parameters such as charset are ignored.
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		WriteError(w, http.StatusUnsupportedMediaType, CodeInvalidRequest,
			"Content-Type must be application/json", logger)
		return false
	}
	return true
}

// =============================================================================
// Response wrapper
// =============================================================================

// ResponseWriter wraps http.ResponseWriter to capture the status code
// and response size for logging and metrics.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Bytes      int64
	Written    bool
}

// NewResponseWriter creates a new ResponseWriter.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code of the first write.
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write marks the response as written and counts its bytes.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.Bytes += int64(n)
	return n, err
}

// Flush forwards to the underlying writer so streamed responses, such
// as the live event feed, keep flushing through the middleware chain.
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the wrapped writer so http.ResponseController and the
// websocket upgrade can reach the underlying connection.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
