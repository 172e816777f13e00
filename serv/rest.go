package serv

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/qbloq/datagate/core"
)

// restHandler serves the REST surface: one wildcard route whose path is
// {entity}[/{key}/{value}...], resolved against the active catalog on every
// request so hot-reload takes effect immediately.
func restHandler(s1 *HttpService) http.Handler {
	s := s1.Load().(*gatewayService)

	fn := func(w http.ResponseWriter, r *http.Request) {
		conf := s.gw.Conf()

		rest := strings.Trim(chi.URLParam(r, "*"), "/")
		if rest == "" {
			writeError(w, core.NewError(core.CodeBadRequest, "entity path is required"))
			return
		}
		segs := strings.Split(rest, "/")

		name, ent, ok := conf.EntityByRestPath(segs[0])
		if !ok {
			writeError(w, core.NewError(core.CodeEntityNotFound, "entity %s was not found", segs[0]))
			return
		}
		if !methodAllowed(ent, r.Method) {
			writeError(w, core.NewError(core.CodeBadRequest, "method %s is not enabled for %s", r.Method, name))
			return
		}

		keys, err := parseKeySegments(segs[1:])
		if err != nil {
			writeError(w, err)
			return
		}

		pr := principalFrom(r)

		var res *core.RestResult
		var rerr *core.Error

		switch r.Method {
		case http.MethodGet:
			res, rerr = s.gw.RestRead(r.Context(), pr, name, keys, readParams(r))

		case http.MethodPost:
			body, berr := readBody(r)
			if berr != nil {
				writeError(w, berr)
				return
			}
			if ent.Source.IsProcedure() {
				res, rerr = s.gw.RestExecute(r.Context(), pr, name, body)
			} else {
				res, rerr = s.gw.RestCreate(r.Context(), pr, name, body)
			}

		case http.MethodPut, http.MethodPatch:
			if len(keys) == 0 {
				writeError(w, core.NewError(core.CodeBadRequest, "primary key path segments are required"))
				return
			}
			body, berr := readBody(r)
			if berr != nil {
				writeError(w, berr)
				return
			}
			res, rerr = s.gw.RestUpsert(r.Context(), pr, name, keys, body, r.Method == http.MethodPatch)

		case http.MethodDelete:
			if len(keys) == 0 {
				writeError(w, core.NewError(core.CodeBadRequest, "primary key path segments are required"))
				return
			}
			res, rerr = s.gw.RestDelete(r.Context(), pr, name, keys)

		default:
			writeError(w, core.NewError(core.CodeBadRequest, "method %s is not supported", r.Method))
			return
		}

		if rerr != nil {
			writeError(w, rerr)
			return
		}

		body := res.Body
		if res.NextCursor != "" {
			body = withNextLink(r, body, res.NextCursor)
		}
		writeJSON(w, res.Status, body)
	}
	return http.HandlerFunc(fn)
}

// methodAllowed honors the entity's rest.methods restriction; absent means
// every method.
func methodAllowed(ent core.Entity, method string) bool {
	ms := ent.RestMethods()
	if len(ms) == 0 {
		return true
	}
	for _, m := range ms {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// parseKeySegments lowers trailing path segments into key/value pairs. A
// single segment is the value of a single-column key.
func parseKeySegments(segs []string) (map[string]string, *core.Error) {
	if len(segs) == 0 {
		return nil, nil
	}
	keys := map[string]string{}
	if len(segs) == 1 {
		keys["_"] = segs[0]
		return keys, nil
	}
	if len(segs)%2 != 0 {
		return nil, core.NewError(core.CodeBadRequest, "key path must be /column/value pairs")
	}
	for i := 0; i < len(segs); i += 2 {
		keys[segs[i]] = segs[i+1]
	}
	return keys, nil
}

// readParams parses the supported query string options.
func readParams(r *http.Request) core.RestParams {
	q := r.URL.Query()
	p := core.RestParams{
		Filter:  q.Get("$filter"),
		OrderBy: q.Get("$orderby"),
		After:   q.Get("$after"),
	}
	if sel := q.Get("$select"); sel != "" {
		for _, f := range strings.Split(sel, ",") {
			if f = strings.TrimSpace(f); f != "" {
				p.Select = append(p.Select, f)
			}
		}
	}
	if first := q.Get("$first"); first != "" {
		if n, err := strconv.Atoi(first); err == nil {
			p.First = n
		} else {
			p.First = -1 // fails validation downstream
		}
	}
	return p
}

func readBody(r *http.Request) (map[string]interface{}, *core.Error) {
	var body map[string]interface{}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxGraphQLBody))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, core.NewError(core.CodeBadRequest, "request body must be a JSON object")
	}
	return body, nil
}

// withNextLink appends the continuation URL to a collection response body.
func withNextLink(r *http.Request, body []byte, cursor string) []byte {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}

	next := *r.URL
	q := next.Query()
	q.Set("$after", cursor)
	next.RawQuery = q.Encode()
	if next.Host == "" {
		next.Host = r.Host
	}
	if next.Scheme == "" {
		next.Scheme = "http"
		if r.TLS != nil {
			next.Scheme = "https"
		}
	}

	link, err := json.Marshal(next.String())
	if err != nil {
		return body
	}
	env["nextLink"] = link

	out, err := json.Marshal(env)
	if err != nil {
		return body
	}
	return out
}
