// Package server exposes the optimizer over HTTP: asynchronous job
// submission, status and result retrieval, cancellation, and a websocket
// progress stream.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"schoolbus/backend/jobs"
	"schoolbus/backend/progress"
)

const maxRequestBytes = 16 << 20

// Options configures the HTTP surface.
type Options struct {
	Addr             string
	WebsocketEnabled bool
	Logger           zerolog.Logger
}

// Server routes API traffic to the job manager and progress broker.
type Server struct {
	mgr    *jobs.Manager
	broker *progress.Broker
	opts   Options
	log    zerolog.Logger
	http   *http.Server
}

// New builds the server and its route table.
func New(mgr *jobs.Manager, broker *progress.Broker, opts Options) *Server {
	s := &Server{
		mgr:    mgr,
		broker: broker,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "server").Logger(),
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), cors.Default())

	r.GET("/health", s.handleHealth)
	r.POST("/optimize-async", s.handleSubmit)
	r.GET("/jobs", s.handleList)
	r.GET("/jobs/:id", s.handleStatus)
	r.GET("/jobs/:id/result", s.handleResult)
	r.DELETE("/jobs/:id", s.handleCancel)
	if opts.WebsocketEnabled {
		r.GET("/ws/optimize/:id", s.handleWS)
	}

	s.http = &http.Server{Addr: opts.Addr, Handler: r}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.opts.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.http.Shutdown(ctx) }

func (s *Server) handleHealth(c *gin.Context) {
	storeStatus := "ok"
	if _, err := s.mgr.List(); err != nil {
		storeStatus = "error"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
		"services": gin.H{
			"queue":  "ok",
			"broker": "ok",
			"store":  storeStatus,
		},
	})
}

func (s *Server) handleSubmit(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(jobs.CodeInvalidInput, "unreadable request body"))
		return
	}
	rec, err := s.mgr.Submit(body)
	if err != nil {
		var coded *jobs.Error
		if errors.As(err, &coded) && coded.Code == jobs.CodeInvalidInput {
			c.JSON(http.StatusBadRequest, errorBody(coded.Code, coded.Message))
			return
		}
		if errors.Is(err, jobs.ErrQueueFull) {
			c.JSON(http.StatusServiceUnavailable, errorBody(jobs.CodeInternal, "job queue full, retry later"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody(jobs.CodeInternal, err.Error()))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":        rec.ID,
		"status":        rec.State,
		"websocket_url": "/ws/optimize/" + rec.ID,
	})
}

func (s *Server) handleList(c *gin.Context) {
	recs, err := s.mgr.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(jobs.CodeInternal, err.Error()))
		return
	}
	out := make([]gin.H, 0, len(recs))
	for _, r := range recs {
		out = append(out, statusBody(r))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (s *Server) handleStatus(c *gin.Context) {
	rec, err := s.mgr.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody("JOB_NOT_FOUND", "no such job"))
		return
	}
	c.JSON(http.StatusOK, statusBody(rec))
}

func (s *Server) handleResult(c *gin.Context) {
	rec, err := s.mgr.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody("JOB_NOT_FOUND", "no such job"))
		return
	}
	if rec.State != jobs.StateCompleted {
		c.JSON(http.StatusConflict, statusBody(rec))
		return
	}
	c.Data(http.StatusOK, "application/json", rec.Result)
}

func (s *Server) handleCancel(c *gin.Context) {
	id := c.Param("id")
	if err := s.mgr.Cancel(id); err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorBody("JOB_NOT_FOUND", "no such job"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody(jobs.CodeInternal, err.Error()))
		return
	}
	rec, _ := s.mgr.Get(id)
	c.JSON(http.StatusOK, statusBody(rec))
}

func statusBody(rec *jobs.Record) gin.H {
	if rec == nil {
		return gin.H{}
	}
	h := gin.H{
		"job_id":     rec.ID,
		"status":     rec.State,
		"phase":      rec.Phase,
		"progress":   rec.Progress,
		"created_at": rec.SubmittedAt,
	}
	if rec.StartedAt != nil {
		h["started_at"] = rec.StartedAt
	}
	if rec.FinishedAt != nil {
		h["completed_at"] = rec.FinishedAt
	}
	if rec.ErrorCode != "" {
		h["error"] = gin.H{"code": rec.ErrorCode, "message": rec.ErrorMsg}
	}
	return h
}

func errorBody(code, msg string) gin.H {
	return gin.H{"error_code": code, "message": msg}
}
