// Package status serves a read-only JSON view of dayflow: trading days from
// the live projection and from journal replay, shard and gap status from the
// cache, recent metric events and warnings, host utilisation and the
// Prometheus registry.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"dayflow/config"
	"dayflow/internal/cache"
	"dayflow/internal/day"
	"dayflow/internal/gap"
	"dayflow/internal/metrics"
	"dayflow/internal/shard"
	"dayflow/logger"
)

type DayReader interface {
	List(ctx context.Context, env string) ([]day.TradingDay, error)
	Get(ctx context.Context, key day.Key) (day.TradingDay, error)
}

type HistoryReader interface {
	History(ctx context.Context, env string, limit int) ([]day.TradingDay, error)
	Events(ctx context.Context, key day.Key) ([]day.Event, error)
}

// Sources are the read models the server exposes. A nil source disables its
// routes.
type Sources struct {
	Days    DayReader
	History HistoryReader
	Cache   cache.Cache
	DataDir string
}

type Server struct {
	cfg           config.StatusConfig
	env           string
	src           Sources
	log           *logger.Log
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	sampler       *hostSampler
	httpServer    *http.Server
}

func NewServer(cfg config.StatusConfig, env string, src Sources, log *logger.Log) *Server {
	cfg.Addr = normalizeAddress(cfg.Addr)
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 7
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		env:           env,
		src:           src,
		log:           log,
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: metrics.RegisterMetricHandler(metricStore.handle),
		sampler:       newHostSampler(cfg.MetricsHistory, cfg.SampleInterval, src.DataDir),
	}
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	defer s.cleanup()

	s.sampler.start(ctx)
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithComponent("status").WithFields(logger.Fields{"addr": s.cfg.Addr}).Info("status server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.sampler.stop()
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "env": s.env})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	if s.src.Days != nil {
		api.GET("/days", s.listDays)
		api.GET("/days/:date", s.getDay)
	}
	if s.src.History != nil {
		api.GET("/history", s.history)
		api.GET("/days/:date/events", s.dayEvents)
	}
	if s.src.Cache != nil {
		api.GET("/shards", s.cached(shard.StatusKey(s.env)))
		api.GET("/gaps", s.cached(gap.StatusKey(s.env)))
	}

	api.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"metrics": s.metricStore.snapshot()})
	})
	api.GET("/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot(), "counts": logger.Counts()})
	})
	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})
	return router
}

func (s *Server) listDays(c *gin.Context) {
	days, err := s.src.Days.List(c.Request.Context(), s.env)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"env": s.env, "days": days})
}

func (s *Server) getDay(c *gin.Context) {
	date, err := day.ParseDate(c.Param("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	td, err := s.src.Days.Get(c.Request.Context(), day.Key{Environment: s.env, Date: date})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, td)
}

func (s *Server) history(c *gin.Context) {
	limit := s.cfg.HistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	days, err := s.src.History.History(c.Request.Context(), s.env, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"env": s.env, "limit": limit, "days": days})
}

func (s *Server) dayEvents(c *gin.Context) {
	date, err := day.ParseDate(c.Param("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	events, err := s.src.History.Events(c.Request.Context(), day.Key{Environment: s.env, Date: date})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"env": s.env, "date": date, "events": events})
}

// cached serves a JSON document stored in the cache as is.
func (s *Server) cached(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := s.src.Cache.Get(c.Request.Context(), key)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", data)
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, day.ErrDayNotFound) || errors.Is(err, cache.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.log.WithComponent("status").WithError(err).WithFields(logger.Fields{"path": c.FullPath()}).Warn("status request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
