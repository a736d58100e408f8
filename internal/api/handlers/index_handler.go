package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fleet/internal/recordio"
	"fleet/internal/services"
)

type IndexHandler struct {
	nearestService *services.NearestService
	maxUpload      int64
}

func NewIndexHandler(nearestService *services.NearestService, maxUpload int64) *IndexHandler {
	return &IndexHandler{
		nearestService: nearestService,
		maxUpload:      maxUpload,
	}
}

// Stats handles GET /index/stats
func (h *IndexHandler) Stats(c *gin.Context) {
	stats, err := h.nearestService.Stats()
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Rebuild handles POST /index/rebuild. It reloads the configured source.
func (h *IndexHandler) Rebuild(c *gin.Context) {
	stats, err := h.nearestService.Rebuild(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Upload handles PUT /index/positions. The body is a record stream,
// optionally compressed as named by Content-Encoding. With ?persist=true the
// set is also written back to the source.
func (h *IndexHandler) Upload(c *gin.Context) {
	persist := false
	if v := c.Query("persist"); v != "" {
		var err error
		if persist, err = strconv.ParseBool(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "persist must be a boolean"})
			return
		}
	}

	compression, err := recordio.ParseContentEncoding(c.GetHeader("Content-Encoding"))
	if err != nil {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
		return
	}

	body := c.Request.Body
	if h.maxUpload > 0 {
		body = http.MaxBytesReader(c.Writer, body, h.maxUpload)
	}

	positions, err := recordio.Decode(body, compression)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds " + strconv.FormatInt(h.maxUpload, 10) + " bytes"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	stats, err := h.nearestService.Replace(c.Request.Context(), positions, persist)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
