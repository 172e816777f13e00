package serv

import (
	"encoding/json"
	"net/http"

	"github.com/go-http-utils/headers"
)

type healthStatus struct {
	Status  string `json:"status"`
	AppName string `json:"app-name"`
	Version string `json:"version,omitempty"`
}

// healthCheckHandler reports readiness: the gateway snapshot exists, so the
// config loaded and the schema built, and the datasource answers a ping
// within the configured query timeout.
func healthCheckHandler(s1 *HttpService) http.Handler {
	s := s1.Load().(*gatewayService)

	fn := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headers.ContentType, "application/json")

		status := "healthy"
		code := http.StatusOK
		if err := s.gw.Ping(r.Context()); err != nil {
			s.log.Warnw("health check ping failed", "error", err)
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}

		w.WriteHeader(code)
		json.NewEncoder(w).Encode(healthStatus{ //nolint:errcheck
			Status:  status,
			AppName: s.conf.AppName,
			Version: version,
		})
	}
	return http.HandlerFunc(fn)
}
