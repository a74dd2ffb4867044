// Package shared holds the response helpers used by every handler package.
package shared

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "livecache/pkg/domain-errors"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteJSON encodes v with the given status. Encoding failures are silent;
// there is nothing useful left to tell the client at that point.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError maps a coded domain error to its HTTP status and writes the
// error envelope. Uncoded errors become 500 with a generic message so they
// never leak internals.
func WriteError(w http.ResponseWriter, err error) {
	var de *dErrors.Error
	if !errors.As(err, &de) {
		de = dErrors.New(dErrors.CodeInternal, "internal server error")
	}
	WriteJSON(w, dErrors.HTTPStatus(de.Code), ErrorBody{
		Error:            string(de.Code),
		ErrorDescription: de.Message,
	})
}
