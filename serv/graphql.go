package serv

import (
	"encoding/json"
	"net/http"

	"github.com/go-http-utils/headers"
)

const maxGraphQLBody = 1 << 20

type gqlRequest struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName"`
	Variables     json.RawMessage `json:"variables"`
}

// graphQLHandler serves the GraphQL endpoint. Failures come back in the
// response body per GraphQL convention; the HTTP status stays 200.
func graphQLHandler(s1 *HttpService) http.Handler {
	s := s1.Load().(*gatewayService)

	fn := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "only POST is supported", http.StatusMethodNotAllowed)
			return
		}

		var req gqlRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGraphQLBody))
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "request body must be a JSON object", http.StatusBadRequest)
			return
		}

		res := s.gw.GraphQL(r.Context(), principalFrom(r), req.Query, req.Variables)

		w.Header().Set(headers.ContentType, "application/json")
		if err := json.NewEncoder(w).Encode(res); err != nil {
			s.log.Warnf("writing graphql response: %s", err)
		}
	}
	return http.HandlerFunc(fn)
}

// sdlHandler serves the synthesized schema text, development only.
func sdlHandler(s1 *HttpService) http.Handler {
	s := s1.Load().(*gatewayService)

	fn := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headers.ContentType, "application/graphql")
		if _, err := w.Write([]byte(s.gw.SDL())); err != nil {
			s.log.Warnf("writing schema response: %s", err)
		}
	}
	return http.HandlerFunc(fn)
}
