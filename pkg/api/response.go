package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response is the wrapper every admin endpoint answers with: an overall
// status, the response time, and the payload.
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// JSON writes v with the given status code and a JSON content type.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Last resort; the header is already out.
		http.Error(w, `{"status":"error","error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// HealthyResponse wraps a liveness payload.
func HealthyResponse(data any) Response {
	return Response{Status: "healthy", Timestamp: time.Now().UTC(), Data: data}
}

// OKResponse wraps a successful payload.
func OKResponse(data any) Response {
	return Response{Status: "ok", Timestamp: time.Now().UTC(), Data: data}
}

// ErrorResponse wraps a failure message.
func ErrorResponse(errMsg string) Response {
	return Response{Status: "error", Timestamp: time.Now().UTC(), Error: errMsg}
}
