package serv

import (
	"net"
	"net/http"
	"sync"

	"github.com/go-http-utils/headers"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-Id"

// requestID tags every request with an id for log correlation, keeping a
// caller-supplied one when present.
func requestID(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// rateLimiter throttles per client IP with a token bucket each.
func rateLimiter(s1 *HttpService, h http.Handler) http.Handler {
	s := s1.Load().(*gatewayService)
	rl := s.conf.RateLimiter

	var mu sync.Mutex
	buckets := map[string]*rate.Limiter{}

	fn := func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, rl.IPHeader)

		mu.Lock()
		b, ok := buckets[ip]
		if !ok {
			b = rate.NewLimiter(rate.Limit(rl.Rate), rl.Bucket)
			buckets[ip] = b
		}
		mu.Unlock()

		if !b.Allow() {
			w.Header().Set(headers.ContentType, "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":"ServiceBusy","message":"rate limit exceeded","status":429}}`)) //nolint:errcheck
			return
		}
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func clientIP(r *http.Request, header string) string {
	if header != "" {
		if v := r.Header.Get(header); v != "" {
			return v
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
