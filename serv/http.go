package serv

import (
	"encoding/json"
	"net/http"

	"github.com/go-http-utils/headers"

	"github.com/qbloq/datagate/core"
)

// errorEnvelope is the REST error body.
type errorEnvelope struct {
	Error *core.Error `json:"error"`
}

func writeError(w http.ResponseWriter, e *core.Error) {
	w.Header().Set(headers.ContentType, "application/json")
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: e}) //nolint:errcheck
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set(headers.ContentType, "application/json")
	w.WriteHeader(status)
	if len(body) != 0 {
		w.Write(body) //nolint:errcheck
	}
}
