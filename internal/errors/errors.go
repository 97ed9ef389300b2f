// Package errors defines the JSON error envelope the HTTP surface speaks.
package errors

import (
	"encoding/json"
	"net/http"
)

// TowerError is the wire shape of every non-2xx answer: an HTTP status,
// a short machine-readable message, optional human-readable detail, and
// the request id for log correlation.
type TowerError struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *TowerError) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// The errors the route table itself produces. Handler-level rejections are
// minted with New so the message can carry the validation failure kind.
var (
	ErrNotFound        = &TowerError{Code: http.StatusNotFound, Message: "Not Found"}
	ErrBadRequest      = &TowerError{Code: http.StatusBadRequest, Message: "Bad Request"}
	ErrTooManyRequests = &TowerError{Code: http.StatusTooManyRequests, Message: "Too Many Requests"}
	ErrInternalServer  = &TowerError{Code: http.StatusInternalServerError, Message: "Internal Server Error"}
)

// preSerialized holds the encoded JSON for the bare singletons.
var preSerialized = make(map[*TowerError][]byte)

func init() {
	for _, e := range []*TowerError{ErrNotFound, ErrBadRequest, ErrTooManyRequests, ErrInternalServer} {
		b, _ := json.Marshal(e)
		preSerialized[e] = append(b, '\n') // match json.Encoder output
	}
}

// New creates a TowerError with the given status code and message.
func New(code int, message string) *TowerError {
	return &TowerError{Code: code, Message: message}
}

// WithDetails returns a copy carrying details. The receiver is never
// mutated, so the singletons stay bare.
func (e *TowerError) WithDetails(details string) *TowerError {
	c := *e
	c.Details = details
	return &c
}

// WithRequestID returns a copy carrying the request id.
func (e *TowerError) WithRequestID(requestID string) *TowerError {
	c := *e
	c.RequestID = requestID
	return &c
}

// WriteJSON writes the error to w under its status code. Bare singletons
// answer with their pre-encoded bytes.
func (e *TowerError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}
