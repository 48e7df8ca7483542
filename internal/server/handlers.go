package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rahul/scribe/internal/agent"
	"github.com/rahul/scribe/internal/observability"
	"github.com/rahul/scribe/internal/store"
)

type generateRequest struct {
	Topic   string `json:"topic"`
	Variant string `json:"variant"`
}

type batchRequest struct {
	Topics  []string `json:"topics"`
	Variant string   `json:"variant"`
}

type batchResponse struct {
	Jobs    []agent.BatchJob   `json:"jobs"`
	Summary agent.BatchSummary `json:"summary"`
}

type trendingRequest struct {
	Domain string `json:"domain"`
}

type fromURLRequest struct {
	URL string `json:"url"`
}

type toolView struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Provider    string         `json:"provider"`
	Parameters  map[string]any `json:"parameters"`
}

func (s *Server) generate(c echo.Context) error {
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "topic is required")
	}
	variant, err := agent.ParseVariant(req.Variant)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	job := s.deps.Service.Generate(c.Request().Context(), topic, variant)
	return c.JSON(http.StatusOK, job)
}

func (s *Server) batch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var topics []string
	for _, t := range req.Topics {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "topics must not be empty")
	}
	variant, err := agent.ParseVariant(req.Variant)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	jobs, sum := s.deps.Service.Batch(c.Request().Context(), topics, variant)
	return c.JSON(http.StatusOK, batchResponse{Jobs: jobs, Summary: sum})
}

func (s *Server) trending(c echo.Context) error {
	var req trendingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	topics, err := s.deps.Service.Trending(c.Request().Context(), req.Domain)
	return topicsResponse(c, topics, err)
}

func (s *Server) fromURL(c echo.Context) error {
	var req fromURLRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	topics, err := s.deps.Service.FromURL(c.Request().Context(), req.URL)
	return topicsResponse(c, topics, err)
}

func topicsResponse(c echo.Context, topics []agent.Topic, err error) error {
	switch {
	case errors.Is(err, agent.ErrInvalidURL):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadGateway, "topic discovery failed: "+err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"topics": topics})
}

func (s *Server) listHistory(c echo.Context) error {
	if s.deps.History == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "history is disabled")
	}
	f := store.JobFilter{
		Status:  c.QueryParam("status"),
		Variant: c.QueryParam("variant"),
		BatchID: c.QueryParam("batch_id"),
	}
	var err error
	if f.Limit, err = intParam(c, "limit"); err != nil {
		return err
	}
	if f.Offset, err = intParam(c, "offset"); err != nil {
		return err
	}
	jobs, err := s.deps.History.ListJobs(c.Request().Context(), f)
	if err != nil {
		return err
	}
	for i := range jobs {
		jobs[i] = s.sanitize(jobs[i])
	}
	if jobs == nil {
		jobs = []store.Job{}
	}
	return c.JSON(http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getHistory(c echo.Context) error {
	if s.deps.History == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "history is disabled")
	}
	job, err := s.deps.History.GetJob(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.sanitize(job))
}

func (s *Server) deleteHistory(c echo.Context) error {
	if s.deps.History == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "history is disabled")
	}
	err := s.deps.History.DeleteJob(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) stats(c echo.Context) error {
	st, err := s.deps.Service.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) listTools(c echo.Context) error {
	views := []toolView{}
	if s.deps.Tools != nil {
		for _, d := range s.deps.Tools.ListAllTools(c.Request().Context()) {
			views = append(views, toolView{Name: d.Name, Description: d.Description, Provider: d.Provider, Parameters: d.Parameters})
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"tools": views})
}

func (s *Server) status(c echo.Context) error {
	jobs := s.deps.Status.Snapshot()
	if jobs == nil {
		jobs = []observability.JobStatus{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"uptime_seconds": int64(s.deps.Status.Uptime().Seconds()),
		"running":        jobs,
	})
}

func (s *Server) rotate(c echo.Context) error {
	if s.deps.Rotator == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "credential rotation is not configured")
	}
	rotated, err := s.deps.Rotator.Rotate(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"rotated": rotated})
}

// sanitize strips active markup from generated content before it is
// served back to browsers.
func (s *Server) sanitize(job store.Job) store.Job {
	job.Content = s.sanitizer.Sanitize(job.Content)
	return job
}

func intParam(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}
