package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/slipstream/dlsync/internal/downloader"
	"github.com/slipstream/dlsync/internal/logger"
	"github.com/slipstream/dlsync/internal/scheduler"
)

// ClientView is a client configuration without credentials.
type ClientView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Enabled  bool   `json:"enabled"`
	Category string `json:"category,omitempty"`
}

func (s *Server) listClients(c echo.Context) error {
	configs, err := s.deps.Clients.ListClientConfigs(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	views := make([]ClientView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, ClientView{
			ID:       cfg.ID,
			Name:     cfg.Name,
			Type:     string(cfg.Type),
			Host:     cfg.Host,
			Port:     cfg.Port,
			Enabled:  cfg.Enabled,
			Category: cfg.Category,
		})
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) testClient(c echo.Context) error {
	ctx := c.Request().Context()

	cfg, err := s.deps.Clients.GetClientConfig(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, downloader.ErrClientNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "client not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, s.deps.Service.TestConnection(ctx, cfg))
}

func (s *Server) getHealth(c echo.Context) error {
	if s.deps.Health == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "health tracking disabled"})
	}
	return c.JSON(http.StatusOK, s.deps.Health.GetAll())
}

// getLogs returns recent log entries. ?limit= caps the count.
func (s *Server) getLogs(c echo.Context) error {
	if s.deps.Logs == nil {
		return c.JSON(http.StatusOK, []logger.Entry{})
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = parsed
	}
	entries := s.deps.Logs.Recent(limit)
	if entries == nil {
		entries = []logger.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// listTasks returns all scheduled tasks.
// GET /api/v1/scheduler/tasks
func (s *Server) listTasks(c echo.Context) error {
	if s.deps.Tasks == nil {
		return c.JSON(http.StatusOK, []scheduler.TaskInfo{})
	}
	return c.JSON(http.StatusOK, s.deps.Tasks.ListTasks())
}

// runTask manually triggers a task to run.
// POST /api/v1/scheduler/tasks/:id/run
func (s *Server) runTask(c echo.Context) error {
	if s.deps.Tasks == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "scheduler disabled"})
	}
	taskID := c.Param("id")
	if err := s.deps.Tasks.RunNow(taskID); err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, scheduler.ErrTaskNotFound):
			status = http.StatusNotFound
		case errors.Is(err, scheduler.ErrTaskRunning):
			status = http.StatusConflict
		}
		return c.JSON(status, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"message": "Task started",
		"taskId":  taskID,
	})
}
