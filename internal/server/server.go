// Package server exposes the task-status HTTP API consumed by the
// presentation layer: submit a pipeline request, poll its task, fetch the
// resulting artifact.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memoirhq/memoir/config"
	"github.com/memoirhq/memoir/internal/fragments"
	"github.com/memoirhq/memoir/internal/pipeline"
	"github.com/memoirhq/memoir/internal/store"
	"github.com/memoirhq/memoir/internal/telemetry"
	"github.com/memoirhq/memoir/provider"
)

// Build wires the full dependency graph from configuration. Shared by the
// serve and story commands.
func Build(ctx context.Context, cfg *config.Config) (*pipeline.Orchestrator, pipeline.ArtifactStore, *telemetry.Telemetry, error) {
	llm, err := provider.New(cfg.LLM)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("llm provider: %w", err)
	}
	st, err := store.New(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, nil, err
	}
	tele := telemetry.NewTelemetry(cfg.Telemetry)

	index := fragments.NewIndexClient(cfg.Fragments)
	var assessor pipeline.Assessor
	if a := fragments.NewAssessorClient(cfg.Fragments); a != nil {
		assessor = a
	}
	var vision pipeline.VisionProvider
	if v := fragments.NewVisionClient(cfg.Media, cfg.Fragments.Timeout); v != nil {
		vision = v
	}
	var speech pipeline.SpeechProvider
	if s := fragments.NewSpeechClient(cfg.Media, cfg.Fragments.Timeout); s != nil {
		speech = s
	}

	orch := pipeline.NewOrchestrator(cfg, llm, index, assessor, vision, speech, st, tele)
	return orch, st, tele, nil
}

// Run builds the dependency graph and serves until the listener fails.
func Run(cfg *config.Config) error {
	orch, st, tele, err := Build(context.Background(), cfg)
	if err != nil {
		return err
	}
	e := newEcho()
	RegisterRoutes(e, orch, st, tele)
	return e.Start(cfg.Server.Address)
}

// newEcho builds the echo instance with the shared middleware stack and the
// unified JSON error handler.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))
	return e
}

// RegisterRoutes attaches the API surface to e. Split out from Run so tests
// can drive the handlers with fakes.
func RegisterRoutes(e *echo.Echo, orch pipeline.OrchestratorInterface, st pipeline.ArtifactStore, tele *telemetry.Telemetry) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	h := &Handler{Orch: orch, Store: st, Tele: tele}
	api := e.Group("/api")
	api.POST("/stories", h.SubmitStory)
	api.POST("/ask", h.SubmitAnswer)
	api.GET("/tasks/:id", h.TaskStatus)
	api.DELETE("/tasks/:id", h.CancelTask)
	api.GET("/stories", h.ListStories)
	api.GET("/stories/:id", h.GetStory)
	api.GET("/costs", h.Costs)
}
