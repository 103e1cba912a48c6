package httpmiddleware

import (
	"encoding/json"
	"net/http"
)

// UserIDHeader carries the caller identity set by the external auth gateway.
const UserIDHeader = "X-User-ID"

// errorBody mirrors the error envelope written by the API handlers.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Code: code, Message: message})
}
