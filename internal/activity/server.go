package activity

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dayflow/internal/day"
	"dayflow/logger"
)

type Service interface {
	Start(ctx context.Context, env string, date day.Date) error
	Stop(ctx context.Context, env string) error
	Healthcheck(ctx context.Context, env string) error
}

type Syncer interface {
	Sync(ctx context.Context, env string, date day.Date) error
}

type Verifier interface {
	Verify(ctx context.Context, env string, date day.Date) error
}

type Rebalancer interface {
	Rebalance(ctx context.Context) error
}

type Reporter interface {
	DayStats(ctx context.Context, env string) (day.Stats, error)
}

// Targets are what a control server exposes. Nil targets answer 404.
type Targets struct {
	Service    Service
	Syncer     Syncer
	Verifier   Verifier
	Rebalancer Rebalancer
	Reporter   Reporter
}

// ControlServer is the control API HTTPService talks to. A capture process
// runs one so the orchestrator can drive it remotely.
type ControlServer struct {
	name    string
	addr    string
	targets Targets
	log     *logger.Entry
}

func NewControlServer(name, addr string, targets Targets) *ControlServer {
	return &ControlServer{
		name:    name,
		addr:    addr,
		targets: targets,
		log:     logger.GetLogger().WithComponent("control").WithField("service", name),
	}
}

func (s *ControlServer) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	if s.targets.Service != nil {
		v1.POST("/days/:env/:date/start", func(c *gin.Context) {
			date, ok := s.date(c)
			if !ok {
				return
			}
			s.reply(c, "start", s.targets.Service.Start(c.Request.Context(), c.Param("env"), date))
		})
		v1.POST("/envs/:env/stop", func(c *gin.Context) {
			s.reply(c, "stop", s.targets.Service.Stop(c.Request.Context(), c.Param("env")))
		})
		v1.GET("/envs/:env/health", func(c *gin.Context) {
			s.reply(c, "health", s.targets.Service.Healthcheck(c.Request.Context(), c.Param("env")))
		})
	}
	if s.targets.Syncer != nil {
		v1.POST("/envs/:env/sync", func(c *gin.Context) {
			date, err := day.ParseDate(c.Query("date"))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			s.reply(c, "sync", s.targets.Syncer.Sync(c.Request.Context(), c.Param("env"), date))
		})
	}
	if s.targets.Verifier != nil {
		v1.GET("/days/:env/:date/verify", func(c *gin.Context) {
			date, ok := s.date(c)
			if !ok {
				return
			}
			err := s.targets.Verifier.Verify(c.Request.Context(), c.Param("env"), date)
			if err != nil {
				// The archive may still be settling; let the caller retry.
				s.log.WithError(err).WithField("date", date).Warn("archive not verified")
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}
	if s.targets.Rebalancer != nil {
		v1.POST("/envs/:env/rebalance", func(c *gin.Context) {
			s.reply(c, "rebalance", s.targets.Rebalancer.Rebalance(c.Request.Context()))
		})
	}
	if s.targets.Reporter != nil {
		v1.GET("/envs/:env/stats", func(c *gin.Context) {
			stats, err := s.targets.Reporter.DayStats(c.Request.Context(), c.Param("env"))
			if err != nil {
				s.reply(c, "stats", err)
				return
			}
			c.JSON(http.StatusOK, stats)
		})
	}
	return router
}

func (s *ControlServer) date(c *gin.Context) (day.Date, bool) {
	date, err := day.ParseDate(c.Param("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return date, true
}

func (s *ControlServer) reply(c *gin.Context, op string, err error) {
	if err != nil {
		s.log.WithError(err).WithFields(logger.Fields{"op": op, "env": c.Param("env")}).Warn("control request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Run serves until ctx is cancelled or the listener fails.
func (s *ControlServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithField("addr", s.addr).Info("control server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
