package httpx

import (
	"net/http"

	"github.com/goccy/go-json"
)

// Code is an error code.
type Code int

const (
	// Code specifically for station service.
	ErrInvalidLimit Code = iota + 10000
	ErrOrderNotFound
	ErrStoreUnavailable

	// Code for Common errors.
	ErrMarshalJSON
)

// Errors maps error code to error message.
var Errors = map[Code]string{
	ErrInvalidLimit:     "Limit must be a positive integer",
	ErrOrderNotFound:    "Order not found",
	ErrStoreUnavailable: "Order mirror is unavailable",
	ErrMarshalJSON:      "Could not marshal JSON data",
}

type errorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Error replies with the message of code as a JSON body.
func Error(w http.ResponseWriter, status int, code Code) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	b, _ := json.Marshal(errorBody{Code: code, Message: Errors[code]})
	_, _ = w.Write(b)
}

// JSON replies with v encoded as JSON.
func JSON(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		Error(w, http.StatusInternalServerError, ErrMarshalJSON)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}
