// Package obs is the daemon's observability-only HTTP surface: Prometheus
// metrics and a liveness probe. The core control-plane RPC lives in
// internal/controlplane instead (see that package's doc comment for why
// gin can't carry it); this package gives gin and promhttp the job
// spec.md's Non-goals leave them fit for.
package obs

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports the daemon's current health for /healthz.
type HealthFunc func() (status string, processCount int)

// Server is a minimal gin router serving /metrics and /healthz, grounded on
// the teacher's internal/server.Router.Handler (gin.New + gin.Recovery,
// one group, one handler per route) and internal/metrics.Handler's
// promhttp.Handler wiring.
type Server struct {
	registry *prometheus.Registry
	health   HealthFunc
}

func New(registry *prometheus.Registry, health HealthFunc) *Server {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &Server{registry: registry, health: health}
}

func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	g.GET("/healthz", s.handleHealthz)
	return g
}

func (s *Server) handleHealthz(c *gin.Context) {
	status, count := "unknown", 0
	if s.health != nil {
		status, count = s.health()
	}
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "processCount": count})
}

// ListenAndServe binds addr and serves until the process exits or the
// listener errors; mirrors the teacher's NewServer's fixed-timeout
// *http.Server construction.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
