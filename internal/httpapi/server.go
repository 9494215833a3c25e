// Package httpapi exposes job management over HTTP: CRUD, manual run
// triggers, and execution report history.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tubescribe/internal/jobstore"
	"tubescribe/internal/scheduler"
	logx "tubescribe/pkg/logx"
)

// Trigger is the slice of the scheduler the API needs: starting manual runs
// and deciding when a new job first becomes due.
type Trigger interface {
	TriggerNow(ctx context.Context, jobID string) error
	FirstDue(now time.Time) time.Time
}

type Server struct {
	store *jobstore.Store
	sched Trigger
	log   logx.Logger
}

func NewServer(store *jobstore.Store, sched Trigger, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{store: store, sched: sched, log: log}
}

// Router builds the gin engine. Gin's debug noise is disabled; request
// logging goes through the service logger instead.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/api/healthz", s.health)

	jobs := r.Group("/api/jobs")
	{
		jobs.GET("", s.listJobs)
		jobs.POST("", s.createJob)
		jobs.GET("/:id", s.getJob)
		jobs.PUT("/:id", s.updateJob)
		jobs.DELETE("/:id", s.deleteJob)
		jobs.POST("/:id/run", s.runJob)
		jobs.GET("/:id/reports", s.listReports)
	}
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// jobView is a job together with its scheduling state.
type jobView struct {
	jobstore.Job
	State jobstore.RunState `json:"state"`
}

func (s *Server) listJobs(c *gin.Context) {
	ctx := c.Request.Context()
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	states, err := s.store.ListStates(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView{Job: j, State: states[j.ID]})
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

// jobRequest is the create/update payload. StartDate accepts a bare date or
// a full RFC 3339 timestamp.
type jobRequest struct {
	Name         string   `json:"name"`
	Sources      []string `json:"sources"`
	Frequency    string   `json:"frequency"`
	StartDate    string   `json:"start_date"`
	FolderPrefix string   `json:"folder_prefix"`
}

func (r *jobRequest) toJob() (jobstore.Job, error) {
	start, err := parseDate(r.StartDate)
	if err != nil {
		return jobstore.Job{}, err
	}
	j := jobstore.Job{
		Name:         r.Name,
		Sources:      r.Sources,
		Frequency:    jobstore.Frequency(r.Frequency),
		StartDate:    start,
		FolderPrefix: r.FolderPrefix,
	}
	return j, j.Validate()
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.New("start_date must be YYYY-MM-DD or RFC 3339")
	}
	return t.UTC(), nil
}

func (s *Server) createJob(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
		return
	}
	job, err := req.toJob()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.CreateJob(c.Request.Context(), &job, s.sched.FirstDue(time.Now())); err != nil {
		s.fail(c, err)
		return
	}
	s.log.Info("job created", logx.String("job_id", job.ID), logx.String("name", job.Name))
	c.JSON(http.StatusCreated, job)
}

func (s *Server) getJob(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := s.store.GetJob(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	state, err := s.store.GetState(ctx, job.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jobView{Job: job, State: state})
}

func (s *Server) updateJob(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
		return
	}
	job, err := req.toJob()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job.ID = c.Param("id")
	if err := s.store.UpdateJob(c.Request.Context(), job); err != nil {
		s.fail(c, err)
		return
	}
	s.log.Info("job updated", logx.String("job_id", job.ID))
	c.JSON(http.StatusOK, job)
}

func (s *Server) deleteJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteJob(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	s.log.Info("job deleted", logx.String("job_id", id))
	c.Status(http.StatusNoContent)
}

func (s *Server) runJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.sched.TriggerNow(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "job_id": id})
}

func (s *Server) listReports(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	id := c.Param("id")
	// 404 for unknown jobs instead of an empty list.
	if _, err := s.store.GetJob(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	reports, err := s.store.ListReports(c.Request.Context(), id, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// fail maps store and scheduler errors onto HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, jobstore.ErrJobRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "job is running"})
	case errors.Is(err, scheduler.ErrNotStarted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not ready"})
	default:
		s.log.Error("request failed", logx.String("path", c.Request.URL.Path), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Run serves the API until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errC := make(chan error, 1)
	go func() { errC <- srv.ListenAndServe() }()
	s.log.Info("http api listening", logx.String("addr", addr))

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
