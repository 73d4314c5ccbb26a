package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"starchat/internal/auth"
	"starchat/internal/chat"
	"starchat/internal/history"
	"starchat/internal/payments"
	"starchat/internal/quota"
	"starchat/internal/validation"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

type apiError struct {
	status  int
	code    string
	message string
}

func classify(err error) apiError {
	switch {
	case errors.Is(err, validation.ErrInvalid):
		return apiError{http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request data"}
	case errors.Is(err, auth.ErrMissingInitData):
		return apiError{http.StatusBadRequest, "MISSING_INIT_DATA", "Telegram initData required"}
	case errors.Is(err, chat.ErrNonStreamNotSupported):
		return apiError{http.StatusBadRequest, "NON_STREAM_NOT_SUPPORTED", "Non-streaming mode not implemented"}
	case errors.Is(err, payments.ErrInvalidWebhook):
		return apiError{http.StatusBadRequest, "INVALID_WEBHOOK", "Missing payment fields"}
	case errors.Is(err, payments.ErrUnauthorized):
		return apiError{http.StatusUnauthorized, "UNAUTHORIZED", "Invalid secret token"}
	case errors.Is(err, auth.ErrInvalidInitData):
		return apiError{http.StatusUnauthorized, "INVALID_INIT_DATA", "Invalid Telegram initData"}
	case errors.Is(err, chat.ErrQuotaExceeded):
		return apiError{http.StatusPaymentRequired, "QUOTA_EXCEEDED", "Daily token limit exceeded. Please upgrade your plan."}
	case errors.Is(err, chat.ErrUserNotFound), errors.Is(err, quota.ErrUserNotFound):
		return apiError{http.StatusNotFound, "USER_NOT_FOUND", "User not found"}
	case errors.Is(err, history.ErrConversationNotFound):
		return apiError{http.StatusNotFound, "CONVERSATION_NOT_FOUND", "Conversation not found"}
	case errors.Is(err, auth.ErrBotNotConfigured):
		return apiError{http.StatusInternalServerError, "SERVER_ERROR", "Bot token not configured"}
	default:
		return apiError{http.StatusInternalServerError, "SERVER_ERROR", "Internal server error"}
	}
}

// handleError writes the client facing form of err. Details of server side
// failures only reach the log.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	ae := classify(err)
	log := zerolog.Ctx(r.Context())
	if ae.status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
	} else {
		log.Debug().Err(err).Str("code", ae.code).Msg("request rejected")
	}
	writeError(w, ae.status, ae.code, ae.message)
}

// decodeJSON reads a JSON body into v. An empty body is accepted when
// allowEmpty is set and leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return fmt.Errorf("%w: decode body: %v", validation.ErrInvalid, err)
	}
	return nil
}

// queryLimit parses ?limit=, falling back to def for absent or bad values and
// capping at max.
func queryLimit(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
