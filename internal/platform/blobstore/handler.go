package blobstore

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler serves raw content by id.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts content routes on the supplied Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/content/:cid", h.handleDownload)
}

func (h *Handler) handleDownload(c echo.Context) error {
	id := c.Param("cid")

	data, err := h.store.Get(c.Request().Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.Is(err, ErrStoreUnavailable):
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}

	contentType := c.QueryParam("mime_type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if name := c.QueryParam("file_name"); name != "" {
		c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	}
	return c.Blob(http.StatusOK, contentType, data)
}
