// Package httputil holds small helpers shared by the RPC listener.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/R3E-Network/paychan/internal/errors"
)

// errorBody is the wire form of an error response.
type errorBody struct {
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

// resultBody is the wire form of a success response.
type resultBody struct {
	Result interface{} `json:"result"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteResult writes a {result: ...} envelope.
func WriteResult(w http.ResponseWriter, result interface{}) {
	WriteJSON(w, http.StatusOK, resultBody{Result: result})
}

// WriteError writes a {error: {name, message}} envelope. Unknown errors are
// reported as InternalError without leaking details.
func WriteError(w http.ResponseWriter, err error) {
	se := errors.Get(err)
	if se == nil {
		se = errors.Internal("internal error", nil)
	}
	var body errorBody
	body.Error.Name = se.Name
	body.Error.Message = se.Message
	WriteJSON(w, se.HTTPStatus, body)
}
