// Package httpserver exposes the daemon's ops surface: liveness and
// readiness probes, a Prometheus scrape endpoint, and pprof profiling
// routes, built on gin-gonic/gin the way the teacher builds its
// HTTP-facing services.
package httpserver

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	ginprometheus "github.com/zsais/go-gin-prometheus"

	"github.com/ratecache/authflush/pkg/log"
)

// Checker reports whether a dependency is currently healthy. The renewer
// and storage layers do not need to implement this directly; Server is
// wired with small closures over whatever state readiness should reflect
// (for example, "has the renewer's initial subscribe call succeeded").
type Checker func() error

// Server is the ops HTTP server.
type Server struct {
	engine *gin.Engine
	http   *http.Server

	ready    uint32
	checkers []Checker
}

// New builds a Server listening on addr. readiness starts false; call
// SetReady(true) once startup has completed enough that traffic should be
// routed to this instance. checkers, if given, are consulted on every
// /readyz request in addition to the startup flag, so a dependency that
// goes unhealthy after startup (for example, a dropped subscription) is
// reflected immediately.
func New(addr string, checkers ...Checker) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, http: &http.Server{Addr: addr, Handler: engine}, checkers: checkers}

	p := ginprometheus.NewPrometheus("authflush")
	p.Use(engine)

	pprof.Register(engine)

	engine.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	engine.GET("/readyz", func(c *gin.Context) {
		if atomic.LoadUint32(&s.ready) == 0 {
			c.String(http.StatusServiceUnavailable, "not ready")
			return
		}
		for _, check := range s.checkers {
			if err := check(); err != nil {
				c.String(http.StatusServiceUnavailable, err.Error())
				return
			}
		}
		c.String(http.StatusOK, "ok")
	})

	return s
}

// SetReady flips the /readyz verdict.
func (s *Server) SetReady(ready bool) {
	if ready {
		atomic.StoreUint32(&s.ready, 1)
	} else {
		atomic.StoreUint32(&s.ready, 0)
	}
}

// Start runs the server until the process is stopped. Call in a goroutine;
// returns http.ErrServerClosed after a clean Shutdown.
func (s *Server) Start() error {
	log.Infof("httpserver: listening on %s", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ShutdownTimeout is the default grace period given to in-flight requests
// when the daemon is stopping.
const ShutdownTimeout = 5 * time.Second
