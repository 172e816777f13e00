package serv

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/qbloq/datagate/core"
)

const healthRoute = "/health"

type Mux interface {
	Handle(string, http.Handler)
	ServeHTTP(http.ResponseWriter, *http.Request)
}

// routesHandler wires the GraphQL and REST surfaces onto the mux. Endpoint
// paths come from the runtime config; entity resolution stays per-request
// so hot-reload picks up catalog changes without rebuilding routes.
func routesHandler(s1 *HttpService, mux Mux) (http.Handler, error) {
	s := s1.Load().(*gatewayService)
	conf := s.gw.Conf()

	mux.Handle(healthRoute, healthCheckHandler(s1))

	auth := authHandler(s1)

	if conf.Runtime.GraphQL.IsEnabled() {
		gqlPath := conf.Runtime.GraphQL.BasePath()
		mux.Handle(gqlPath, auth(graphQLHandler(s1)))

		if !s.gw.IsProd() {
			// Tooling fetches the schema here; introspection over GraphQL
			// itself is not served.
			mux.Handle(gqlPath+"/schema", sdlHandler(s1))
		}
	}

	if conf.Runtime.Rest.IsEnabled() {
		restBase := conf.Runtime.Rest.BasePath()
		mux.Handle(restBase+"/*", auth(restHandler(s1)))
	}

	var h http.Handler = mux
	if s.conf.RateLimiter.Enabled() {
		h = rateLimiter(s1, h)
	}
	h = corsHandler(conf, h)
	h = requestID(h)

	return setServerHeader(h), nil
}

// corsHandler applies the config's CORS policy. Without one, same-origin
// defaults apply.
func corsHandler(conf *core.RuntimeConfig, h http.Handler) http.Handler {
	cc := conf.Runtime.Host.Cors
	if cc == nil {
		return h
	}
	c := cors.New(cors.Options{
		AllowedOrigins: cc.Origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: cc.AllowCredentials,
	})
	return c.Handler(h)
}
