// Package jsonerr renders API errors as the wire's standard error body.
package jsonerr

import (
	"encoding/json"
	"net/http"
)

// Response is the error body every endpoint emits: a human-readable
// detail, a stable machine code, and optional structured extras (field
// validation lists, lock holders).
type Response struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
	// Errors must be json serializable or expect errors
	Errors any `json:"errors,omitempty"`
}

// Error works like http.Error but uses our response struct as the body.
// Like http.Error you will still need to call a naked return in the http
// handler.
func Error(w http.ResponseWriter, r *Response, httpcode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(httpcode)
	b, _ := json.Marshal(r)

	w.Write(b)
}
