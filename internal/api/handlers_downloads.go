package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/slipstream/dlsync/internal/downloader"
	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
	"github.com/slipstream/dlsync/internal/websocket"
)

// CreateDownloadInput is the body of POST /api/v1/downloads.
type CreateDownloadInput struct {
	Title         string            `json:"title"`
	ClientID      string            `json:"clientId"`
	URL           string            `json:"url"`
	LibraryItemID string            `json:"libraryItemId"`
	SavePath      string            `json:"savePath"`
	Priority      string            `json:"priority"`
	Metadata      map[string]string `json:"metadata"`
}

func (s *Server) getQueue(c echo.Context) error {
	entries, err := s.deps.Queue.GetQueue(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) listDownloads(c echo.Context) error {
	var filter downloads.Filter
	if raw := c.QueryParam("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, downloads.Status(strings.TrimSpace(st)))
		}
	}
	filter.ClientID = c.QueryParam("clientId")

	list, err := s.deps.Downloads.ListDownloads(c.Request().Context(), filter)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if list == nil {
		list = []*downloads.Download{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) getDownload(c echo.Context) error {
	d, err := s.deps.Downloads.FindDownload(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, downloads.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "download not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) createDownload(c echo.Context) error {
	ctx := c.Request().Context()

	var input CreateDownloadInput
	if err := c.Bind(&input); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if strings.TrimSpace(input.Title) == "" || input.ClientID == "" || input.URL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "title, clientId and url are required"})
	}

	cfg, err := s.deps.Clients.GetClientConfig(ctx, input.ClientID)
	if err != nil {
		if errors.Is(err, downloader.ErrClientNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "client not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if !cfg.Enabled {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "client is disabled"})
	}

	externalID, err := s.deps.Service.Add(ctx, cfg, &types.AddRequest{
		URL:      input.URL,
		Title:    input.Title,
		SavePath: input.SavePath,
		Priority: input.Priority,
	})
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}

	d := &downloads.Download{
		Title:            input.Title,
		LibraryItemID:    input.LibraryItemID,
		DownloadClientID: cfg.ID,
		Status:           downloads.StatusQueued,
	}
	for k, v := range input.Metadata {
		d.SetMetadata(k, v)
	}
	if externalID != "" {
		d.SetMetadata(types.CorrelationKey(cfg.Type), externalID)
	}
	if err := s.deps.Downloads.Create(ctx, d); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	s.pushUpdate(d)
	if s.deps.Loop != nil {
		s.deps.Loop.Trigger()
	}
	return c.JSON(http.StatusCreated, d)
}

func (s *Server) deleteDownload(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	deleteData := false
	if raw := c.QueryParam("deleteData"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid deleteData"})
		}
		deleteData = parsed
	}

	d, err := s.deps.Downloads.FindDownload(ctx, id)
	if err != nil {
		if errors.Is(err, downloads.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "download not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	if err := s.removeFromClient(c, d, deleteData); err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}

	if err := s.deps.Downloads.DeleteDownload(ctx, id); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	for _, f := range s.deps.Forget {
		f.Forget(id)
	}
	if s.deps.Hub != nil {
		s.deps.Hub.RecordExternalPush(id)
	}
	if s.deps.Removals != nil {
		s.deps.Removals.Removed(id)
	}
	return c.NoContent(http.StatusNoContent)
}

// removeFromClient removes the transfer when the client is still configured and
// the download carries a correlation id. A transfer the client no longer has is not an error.
func (s *Server) removeFromClient(c echo.Context, d *downloads.Download, deleteData bool) error {
	ctx := c.Request().Context()

	cfg, err := s.deps.Clients.GetClientConfig(ctx, d.DownloadClientID)
	if err != nil {
		if errors.Is(err, downloader.ErrClientNotFound) {
			return nil
		}
		return err
	}
	externalID, ok := d.MetadataValue(types.CorrelationKey(cfg.Type))
	if !ok || externalID == "" {
		return nil
	}

	err = s.deps.Service.Remove(ctx, cfg, externalID, deleteData)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	return nil
}

// pushUpdate sends the download to subscribers and marks it so the next cycle does not echo it.
func (s *Server) pushUpdate(d *downloads.Download) {
	if s.deps.Hub == nil {
		return
	}
	s.deps.Hub.RecordExternalPush(d.ID)
	if err := s.deps.Hub.Broadcast(websocket.EventDownloadUpdate, []*downloads.Download{d}); err != nil {
		s.logger.Warn().Err(err).Str("downloadId", d.ID).Msg("Failed to broadcast download update")
	}
}
