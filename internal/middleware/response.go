package middleware

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"authkernel/internal/apperrors"
	"authkernel/internal/logging"
)

type ErrorResponse struct {
	Error            string                 `json:"error"`
	ErrorDescription string                 `json:"error_description,omitempty"`
	RetryAfter       int64                  `json:"retry_after,omitempty"`
	Details          map[string]interface{} `json:"details,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError renders err with the status of its kind. Internal causes are
// logged, never returned.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	WriteErrorCode(w, r, err, "")
}

// WriteErrorCode is WriteError with an explicit error code, e.g. an OAuth
// error name. An empty code uses the kind's name.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, err error, code string) {
	kind := apperrors.KindOf(err)
	resp := ErrorResponse{Error: code}
	if resp.Error == "" {
		resp.Error = kind.String()
	}

	if e, ok := apperrors.As(err); ok {
		resp.ErrorDescription = e.Message
		resp.Details = e.Details
		if e.RetryAfter > 0 {
			secs := int64(math.Ceil(e.RetryAfter.Seconds()))
			resp.RetryAfter = secs
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
	}
	if kind == apperrors.KindInternal {
		logging.FromContext(r.Context()).WithError(err).Error("request failed")
		resp.ErrorDescription = "internal server error"
		resp.Details = nil
	}
	WriteJSON(w, apperrors.HTTPStatus(kind), resp)
}
