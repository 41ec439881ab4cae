package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/memoirhq/memoir/internal/pipeline"
	"github.com/memoirhq/memoir/internal/telemetry"
)

// Handler serves the task and artifact endpoints.
type Handler struct {
	Orch  pipeline.OrchestratorInterface
	Store pipeline.ArtifactStore
	Tele  *telemetry.Telemetry
}

type submitRequest struct {
	Query   string                  `json:"query"`
	Context map[string]interface{}  `json:"context,omitempty"`
	Config  pipeline.RequestConfig  `json:"config,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

// SubmitStory accepts a narrative request and returns the task id to poll.
func (h *Handler) SubmitStory(c echo.Context) error {
	return h.submit(c, pipeline.IntentStory)
}

// SubmitAnswer accepts a contextual question over the same pipeline.
func (h *Handler) SubmitAnswer(c echo.Context) error {
	return h.submit(c, pipeline.IntentAnswer)
}

func (h *Handler) submit(c echo.Context, intent string) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	id, err := h.Orch.Submit(c.Request().Context(), pipeline.StoryRequest{
		Intent:  intent,
		Query:   req.Query,
		Context: req.Context,
		Config:  req.Config,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, submitResponse{TaskID: id})
}

// TaskStatus returns the current task state, including the artifact once the
// task is terminal.
func (h *Handler) TaskStatus(c echo.Context) error {
	state, err := h.Orch.Status(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, state)
}

// CancelTask aborts a running task.
func (h *Handler) CancelTask(c echo.Context) error {
	if err := h.Orch.Cancel(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// ListStories returns persisted artifacts, newest first.
func (h *Handler) ListStories(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	artifacts, err := h.Store.ListArtifacts(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	if artifacts == nil {
		artifacts = []pipeline.StoryArtifact{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"stories": artifacts})
}

// GetStory fetches one persisted artifact by id.
func (h *Handler) GetStory(c echo.Context) error {
	a, err := h.Store.GetArtifact(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, a)
}

// Costs reports accumulated model spend.
func (h *Handler) Costs(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Tele.CostSummary())
}
