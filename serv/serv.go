// Package serv hosts the gateway engine behind an HTTP server: GraphQL and
// REST endpoints, authentication, rate limiting and health checks.
package serv

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/qbloq/datagate/core"
	"github.com/qbloq/datagate/serv/internal/util"
)

var version string

const (
	serverName = "DataGate"
	defaultHP  = "0.0.0.0:8080"
)

// gatewayService is one snapshot of the running service. The gateway inside
// hot-reloads on its own; the service snapshot itself only changes on
// restart.
type gatewayService struct {
	conf *Config
	gw   *core.Gateway
	log  *zap.SugaredLogger
	zlog *zap.Logger
	srv  *http.Server
}

// HttpService is the public handle of the HTTP server.
type HttpService struct {
	atomic.Value
}

// NewHttpService builds the gateway from the runtime config and wraps it in
// an HTTP service.
func NewHttpService(conf *Config) (*HttpService, error) {
	if conf.HostPort == "" {
		conf.HostPort = defaultHP
	}

	zlog := util.NewLogger(conf.LogFormat == "json", conf.LogLevel)
	log := zlog.Sugar()

	gw, err := core.New(conf.ConfigPath, core.Dependencies{
		Log:            log,
		OpenDB:         openDB(conf),
		MaxConcurrency: conf.MaxConcurrency,
		QueryTimeout:   conf.QueryTimeout,
	})
	if err != nil {
		return nil, err
	}

	s1 := &HttpService{}
	s1.Store(&gatewayService{
		conf: conf,
		gw:   gw,
		log:  log,
		zlog: zlog,
	})
	return s1, nil
}

// Gateway returns the engine handle, for embedding and tests.
func (s1 *HttpService) Gateway() *core.Gateway {
	return s1.Load().(*gatewayService).gw
}

// Start runs the HTTP server until an interrupt signal arrives, then shuts
// down gracefully.
func (s1 *HttpService) Start() error {
	s := s1.Load().(*gatewayService)

	r := chi.NewRouter()
	routes, err := routesHandler(s1, r)
	if err != nil {
		return err
	}

	s.srv = &http.Server{
		Addr:              s.conf.HostPort,
		Handler:           routes,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		if err := s.srv.Shutdown(context.Background()); err != nil {
			s.log.Warn("shutdown signal received")
		}
		close(idleConnsClosed)
	}()

	s.srv.RegisterOnShutdown(func() {
		if err := s.gw.Close(); err != nil {
			s.log.Warnf("closing gateway: %s", err)
		}
		s.log.Info("shutdown complete")
	})

	ver := version
	if ver == "" {
		ver = "not-set"
	}

	conf := s.gw.Conf()
	s.zlog.Info("DataGate started",
		zap.String("version", ver),
		zap.String("host-port", s.conf.HostPort),
		zap.String("app-name", s.conf.AppName),
		zap.String("database", conf.DataSource.Kind),
		zap.Bool("production", s.gw.IsProd()),
		zap.Int("entities", len(conf.Entities)),
	)

	l, err := net.Listen("tcp", s.conf.HostPort)
	if err != nil {
		return err
	}

	if err := s.srv.Serve(l); err != http.ErrServerClosed {
		return err
	}
	<-idleConnsClosed
	return nil
}

// Set the server header
func setServerHeader(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", serverName)
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}
