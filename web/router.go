// Package web serves the federation HTTP surface: the inboxes, actor and
// note documents, collections, webfinger, nodeinfo and metrics.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/cache"
	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/metrics"
	"github.com/deemkeen/fedengine/resolver"
	"github.com/deemkeen/fedengine/service"
	"github.com/deemkeen/fedengine/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	activityJSON = "application/activity+json; charset=utf-8"
	shutdownWait = 10 * time.Second
)

type Deps struct {
	DB       *db.DB
	Cache    *cache.Service
	Service  *service.Service
	Resolver *resolver.Resolver
	Queue    service.Enqueuer
	// Gatherer backs /metrics; the endpoint is left out when nil.
	Gatherer prometheus.Gatherer
	Conf     *util.AppConfig
	Version  string
	Logger   *log.Logger
}

type Server struct {
	db       *db.DB
	cache    *cache.Service
	svc      *service.Service
	resolver *resolver.Resolver
	renderer *activitypub.Renderer
	queue    service.Enqueuer
	conf     *util.AppConfig
	version  string
	log      *log.Logger

	globalLimiter *RateLimiter
	inboxLimiter  *RateLimiter
	engine        *gin.Engine
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		db:       d.DB,
		cache:    d.Cache,
		svc:      d.Service,
		resolver: d.Resolver,
		renderer: d.Service.Renderer(),
		queue:    d.Queue,
		conf:     d.Conf,
		version:  d.Version,
		log:      logger.With("component", "web"),

		// 10 requests per second per IP, burst of 20
		globalLimiter: NewRateLimiter(rate.Limit(10), 20),
		// busy peers batch deliveries, so inboxes get more room
		inboxLimiter: NewRateLimiter(rate.Limit(50), 100),
	}
	s.engine = s.routes(d.Gatherer)
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), LoggerMiddleware(s.log))
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	maxBody := MaxBytesMiddleware(s.maxObjectSize())
	g.POST("/inbox", RateLimitMiddleware(s.inboxLimiter), maxBody, s.handleInbox)
	g.POST("/users/:id/inbox", RateLimitMiddleware(s.inboxLimiter), maxBody, s.handleInbox)

	ap := g.Group("/", RateLimitMiddleware(s.globalLimiter))
	ap.GET("/users/:id", s.handleActor)
	ap.GET("/users/:id/outbox", s.handleOutbox)
	ap.GET("/users/:id/followers", s.handleFollowers)
	ap.GET("/users/:id/following", s.handleFollowing)
	ap.GET("/users/:id/collections/featured", s.handleFeatured)
	ap.GET("/notes/:id", s.handleNote)
	ap.GET("/.well-known/webfinger", s.handleWebfinger)
	ap.GET("/.well-known/nodeinfo", s.handleNodeInfoLinks)
	ap.GET("/nodeinfo/2.1", s.handleNodeInfo)

	g.GET("/healthz", func(c *gin.Context) {
		if err := s.db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		g.GET("/metrics", gin.WrapH(metrics.Handler(gatherer)))
	}
	return g
}

func (s *Server) maxObjectSize() int64 {
	if s.conf != nil && s.conf.Federation.MaxObjectSize > 0 {
		return s.conf.Federation.MaxObjectSize
	}
	return 1 << 20
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on the configured port until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.conf.Conf.HttpPort),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.globalLimiter.Cleanup(ctx, 5*time.Minute, 10*time.Minute)
	go s.inboxLimiter.Cleanup(ctx, 5*time.Minute, 10*time.Minute)

	errc := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", srv.Addr, "base", s.renderer.Base())
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// abort answers err with the status its class calls for.
func (s *Server) abort(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, resolver.ErrUnavailable):
		c.JSON(http.StatusUnavailableForLegalReasons, gin.H{"error": "Unavailable"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

func renderActivity(c *gin.Context, status int, v any) {
	c.Header("Content-Type", activityJSON)
	c.JSON(status, v)
}
