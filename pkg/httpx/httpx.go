package httpx

import (
	"encoding/json"
	"log"
	"net/http"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}

// ErrorResponse is the wire shape of every error. ErrorCode is a stable
// machine-readable identifier; Details carries field-level validation
// problems when present.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// RespondError writes an error response with the given status code and
// error message.
func RespondError(w http.ResponseWriter, status int, err error) {
	RespondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	})
}

// RespondErrorCode writes an error response carrying a stable error code
// and optional details.
func RespondErrorCode(w http.ResponseWriter, status int, code, message string, details any) {
	RespondJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: code,
		Message:   message,
		Details:   details,
	})
}
