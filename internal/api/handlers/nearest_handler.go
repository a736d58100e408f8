package handlers

import (
	"errors"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet/internal/domain/entities"
	"fleet/internal/geo"
	"fleet/internal/services"
)

type NearestHandler struct {
	nearestService *services.NearestService
}

func NewNearestHandler(nearestService *services.NearestService) *NearestHandler {
	return &NearestHandler{
		nearestService: nearestService,
	}
}

// NearestQuery uses pointers so that lat=0 is accepted while a missing
// parameter still fails the required check.
type NearestQuery struct {
	Lat  *float32 `form:"lat" binding:"required"`
	Long *float32 `form:"long" binding:"required"`
}

type BatchRequest struct {
	Targets []entities.Coordinate `json:"targets" binding:"required"`
}

// Nearest handles GET /nearest?lat=..&long=..
func (h *NearestHandler) Nearest(c *gin.Context) {
	var q NearestQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	target := entities.NewCoordinate(*q.Lat, *q.Long)
	if !finite(target) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat and long must be finite numbers"})
		return
	}

	result, err := h.nearestService.Nearest(c.Request.Context(), target)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !result.Found() {
		c.JSON(http.StatusNotFound, gin.H{"error": "no vehicles indexed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// Batch handles POST /nearest/batch
func (h *NearestHandler) Batch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, target := range req.Targets {
		if !finite(target) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lat and long must be finite numbers"})
			return
		}
	}

	results, err := h.nearestService.NearestBatch(c.Request.Context(), req.Targets)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":   len(results),
		"results": results,
	})
}

// Cell handles GET /index/cells/:geohash. The response carries the centre
// of the named cell along with the vehicles inside it.
func (h *NearestHandler) Cell(c *gin.Context) {
	prefix := c.Param("geohash")

	vehicles, err := h.nearestService.VehiclesInCell(prefix)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if vehicles == nil {
		vehicles = []entities.VehiclePosition{}
	}

	lat, long := geo.Decode(prefix)
	c.JSON(http.StatusOK, gin.H{
		"geohash":  prefix,
		"center":   gin.H{"lat": lat, "long": long},
		"count":    len(vehicles),
		"vehicles": vehicles,
	})
}

func finite(c entities.Coordinate) bool {
	lat, long := float64(c.Latitude), float64(c.Longitude)
	return !math.IsNaN(lat) && !math.IsInf(lat, 0) && !math.IsNaN(long) && !math.IsInf(long, 0)
}

// statusClientClosedRequest is nginx's code for a client that went away
// before the response was written.
const statusClientClosedRequest = 499

// writeServiceError maps service errors to HTTP status codes.
func writeServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrIndexNotReady):
		status = http.StatusServiceUnavailable
	case errors.Is(err, services.ErrRebuildInProgress):
		status = http.StatusConflict
	case errors.Is(err, services.ErrSourceReadOnly):
		status = http.StatusConflict
	case errors.Is(err, services.ErrBatchTooLarge):
		status = http.StatusRequestEntityTooLarge
	case c.Request.Context().Err() != nil:
		status = statusClientClosedRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
