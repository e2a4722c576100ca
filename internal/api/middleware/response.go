package middleware

import (
	"encoding/json"
	"net/http"
)

// writeError answers in the api package's {"data":...,"error":...} shape so
// clients see one error format whether a handler or middleware refused them.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Data  any    `json:"data"`
		Error string `json:"error"`
	}{Error: msg})
}
