package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/wrenlabs/hutch/pkg/log"
	"github.com/wrenlabs/hutch/pkg/manager"
	"github.com/wrenlabs/hutch/pkg/metrics"
	"github.com/wrenlabs/hutch/pkg/queue"
	"github.com/wrenlabs/hutch/pkg/storage"
	"github.com/wrenlabs/hutch/pkg/types"
)

// Server is the external HTTP interface.
type Server struct {
	app     *fiber.App
	manager *manager.Manager
	logger  zerolog.Logger
}

// NewServer creates the HTTP server and registers routes.
func NewServer(mgr *manager.Manager) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "hutch",
		DisableStartupMessage: true,
	})

	s := &Server{
		app:     app,
		manager: mgr,
		logger:  log.WithComponent("api"),
	}

	app.Use(s.countRequests)

	app.Get("/healthz", s.handleHealthz)

	v1 := app.Group("/v1")
	v1.Post("/jobs", s.handleSubmitJob)
	v1.Get("/jobs", s.handleListJobs)
	v1.Get("/jobs/:id", s.handleGetJob)
	v1.Delete("/jobs/:id", s.handleCancelJob)
	v1.Get("/metrics/:type", s.handleTypeMetrics)

	return s
}

// Listen blocks serving HTTP on addr.
func (s *Server) Listen(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("api server listening")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) countRequests(c *fiber.Ctx) error {
	err := c.Next()
	metrics.APIRequestsTotal.WithLabelValues(c.Route().Path, strconv.Itoa(c.Response().StatusCode())).Inc()
	return err
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleSubmitJob accepts a new job for processing.
// POST /v1/jobs
func (s *Server) handleSubmitJob(c *fiber.Ctx) error {
	var req manager.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
	}

	job, err := s.manager.SubmitJob(&req)
	if err != nil {
		switch {
		case errors.Is(err, manager.ErrInvalidType):
			return errorJSON(c, fiber.StatusBadRequest, "INVALID_TYPE", err.Error())
		case errors.Is(err, manager.ErrBudgetExhausted):
			return errorJSON(c, fiber.StatusTooManyRequests, "BUDGET_EXHAUSTED", err.Error())
		default:
			s.logger.Error().Err(err).Msg("job submission failed")
			return errorJSON(c, fiber.StatusInternalServerError, "INTERNAL", "failed to submit job")
		}
	}

	return c.Status(fiber.StatusCreated).JSON(job)
}

// handleGetJob returns the current state of a job.
// GET /v1/jobs/:id
func (s *Server) handleGetJob(c *fiber.Ctx) error {
	job, err := s.manager.GetJob(c.Params("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorJSON(c, fiber.StatusNotFound, "NOT_FOUND", "job not found")
		}
		s.logger.Error().Err(err).Msg("job lookup failed")
		return errorJSON(c, fiber.StatusInternalServerError, "INTERNAL", "failed to load job")
	}
	return c.JSON(job)
}

// handleListJobs returns jobs filtered by type and status.
// GET /v1/jobs?type=video&status=pending&limit=50
func (s *Server) handleListJobs(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	jobs, err := s.manager.ListJobs(c.Query("type"), c.Query("status"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("job listing failed")
		return errorJSON(c, fiber.StatusInternalServerError, "INTERNAL", "failed to list jobs")
	}
	return c.JSON(fiber.Map{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleCancelJob cancels a pending job.
// DELETE /v1/jobs/:id
func (s *Server) handleCancelJob(c *fiber.Ctx) error {
	err := s.manager.CancelJob(c.Params("id"))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return errorJSON(c, fiber.StatusNotFound, "NOT_FOUND", "job not found")
		case errors.Is(err, queue.ErrNotCancellable):
			return errorJSON(c, fiber.StatusConflict, "CONFLICT", "job has already been assigned or finished")
		default:
			s.logger.Error().Err(err).Msg("job cancellation failed")
			return errorJSON(c, fiber.StatusInternalServerError, "INTERNAL", "failed to cancel job")
		}
	}
	return c.JSON(fiber.Map{"status": "cancelled"})
}

// handleTypeMetrics returns the operational rollup for a job type.
// GET /v1/metrics/:type
func (s *Server) handleTypeMetrics(c *fiber.Ctx) error {
	tm, err := s.manager.TypeMetrics(types.JobType(c.Params("type")))
	if err != nil {
		if errors.Is(err, manager.ErrInvalidType) {
			return errorJSON(c, fiber.StatusBadRequest, "INVALID_TYPE", err.Error())
		}
		s.logger.Error().Err(err).Msg("metrics rollup failed")
		return errorJSON(c, fiber.StatusInternalServerError, "INTERNAL", "failed to compute metrics")
	}
	return c.JSON(tm)
}

// errorJSON writes the error envelope used by every endpoint.
func errorJSON(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    code,
			"message": message,
		},
	})
}
