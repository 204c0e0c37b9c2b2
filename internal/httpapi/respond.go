package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

const maxBodyBytes = 1 << 20

type envelope struct {
	OK   bool        `json:"ok"`
	Data interface{} `json:"data,omitempty"`
}

type errorEnvelope struct {
	OK            bool   `json:"ok"`
	ErrorKind     string `json:"error_kind"`
	ErrorCode     string `json:"error_code"`
	Message       string `json:"message"`
	Retryable     bool   `json:"retryable"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func statusFor(kind store.Kind) int {
	switch kind {
	case store.KindValidation:
		return http.StatusBadRequest
	case store.KindAuthorization:
		return http.StatusForbidden
	case store.KindRateLimit:
		return http.StatusTooManyRequests
	case store.KindNotFound:
		return http.StatusNotFound
	case store.KindState, store.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// mapError turns any error into a status and a safe envelope. Infrastructure
// causes never reach the client.
func mapError(err error) (int, errorEnvelope) {
	e := store.AsError(err)
	message := e.Message
	if e.Kind == store.KindInfrastructure {
		message = store.ErrInfrastructure.Message
	}
	return statusFor(e.Kind), errorEnvelope{
		ErrorKind:     string(e.Kind),
		ErrorCode:     e.Code,
		Message:       message,
		Retryable:     e.Retryable(),
		CorrelationID: e.CorrelationID,
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("correlation_id", body.CorrelationID),
			zap.Error(err),
		)
	}
	writeJSON(w, status, body)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{OK: true, Data: data})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeRequest rejects unknown fields and trailing data. An empty body is
// accepted as an empty object.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, store.ErrInvalidInput.WithMessage("invalid JSON payload"))
		return false
	}
	if decoder.More() {
		h.writeError(w, r, store.ErrInvalidInput.WithMessage("invalid JSON payload"))
		return false
	}
	return true
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}
