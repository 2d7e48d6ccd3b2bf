// Package server exposes sessions, pipeline steps and the response parsers
// over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/KaramelBytes/edaloom/internal/analysis"
	"github.com/KaramelBytes/edaloom/internal/dataset"
	"github.com/KaramelBytes/edaloom/internal/pipeline"
	"github.com/KaramelBytes/edaloom/internal/response"
	"github.com/KaramelBytes/edaloom/internal/session"
)

// ParsedHeader is set to "false" when a parse endpoint found no protocol block.
const ParsedHeader = "X-Edaloom-Parsed"

type Options struct {
	Addr     string
	Store    *session.Store
	Pipeline *pipeline.Pipeline
	Logger   *zap.Logger
	Load     dataset.LoadOptions
	Summary  analysis.Options
	// SessionTTL enables the periodic purge; zero keeps sessions forever.
	SessionTTL time.Duration
	// PurgeSpec is the cron schedule for the purge job.
	PurgeSpec string
}

type Server struct {
	opt    Options
	store  *session.Store
	pipe   *pipeline.Pipeline
	parser *response.Parser
	log    *zap.Logger
	engine *gin.Engine
	cron   *cron.Cron
}

func New(opt Options) (*Server, error) {
	if opt.Store == nil {
		return nil, errors.New("server: session store is required")
	}
	if opt.Pipeline == nil {
		return nil, errors.New("server: pipeline is required")
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Addr == "" {
		opt.Addr = ":8080"
	}
	if opt.PurgeSpec == "" {
		opt.PurgeSpec = "@every 10m"
	}
	s := &Server{
		opt:    opt,
		store:  opt.Store,
		pipe:   opt.Pipeline,
		parser: response.New(opt.Logger),
		log:    opt.Logger,
	}
	s.engine = s.routes()

	clog := cronLogger{opt.Logger.Sugar()}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(clog), cron.Recover(clog)), cron.WithLogger(clog))
	if opt.SessionTTL > 0 {
		if _, err := s.cron.AddFunc(opt.PurgeSpec, s.purge); err != nil {
			return nil, fmt.Errorf("schedule session purge %q: %w", opt.PurgeSpec, err)
		}
	}
	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) purge() {
	n := s.store.PurgeOlderThan(s.opt.SessionTTL)
	s.log.Debug("session purge finished", zap.Int("removed", n))
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(s.log), recovery(s.log))

	r.GET("/healthz", func(c *gin.Context) {
		RespondWithSuccess(c, http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", s.createSession)
			sessions.GET("", s.listSessions)
			sessions.GET("/:id", s.getSession)
			sessions.DELETE("/:id", s.deleteSession)

			sessions.POST("/:id/structure", s.step(pipeline.StepStructure, s.structureStep))
			sessions.POST("/:id/metrics-plan", s.step(pipeline.StepPlan, s.planStep))
			sessions.POST("/:id/metrics-code", s.step(pipeline.StepMetricsCode, s.metricsCodeStep))
			sessions.POST("/:id/metrics", s.step(pipeline.StepMetrics, s.metricsStep))
			sessions.POST("/:id/analysis", s.step(pipeline.StepAnalysis, s.analysisStep))
			sessions.POST("/:id/report", s.step(pipeline.StepReport, s.reportStep))
			sessions.POST("/:id/visualization", s.step(pipeline.StepVisualization, s.visualizationStep))
		}

		parse := v1.Group("/parse")
		{
			parse.POST("/structure", s.parseStructure)
			parse.POST("/metrics-plan", s.parseMetricsPlan)
		}

		v1.POST("/normalize", s.normalizeBody)
	}
	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opt.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.cron.Start()
	defer s.cron.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.opt.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// cronLogger routes cron's logging through zap.
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
