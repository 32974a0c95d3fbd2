package api

import (
	"encoding/json"
	"net/http"

	"github.com/jomapps/mcp-story-bible-service/internal/svcerr"
)

var (
	errBodyRequired  = svcerr.Validation("request body is required")
	errBodyNotObject = svcerr.Validation("request body must be a JSON object")
	errBodyTooLarge  = svcerr.Validation("request body is too large")
)

type errorBody struct {
	Error string `json:"error"`
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if data == nil || status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, errorBody{Error: message})
}

// serviceError writes err with the status of its kind. Unclassified errors
// are logged and not echoed.
func (h *handler) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	status := svcerr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		jsonError(w, status, "internal server error")
		return
	}
	h.logger.Info("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	jsonError(w, status, err.Error())
}
