package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cnaize/geofw/src/core"
)

// GetStatus godoc
//
//	@Summary		Get status
//	@Description	get the enforced generation, hook state and dataplane counters
//	@Tags			status
//	@Produce		json
//	@Success		200	{object}	core.Status
//	@Router			/v1/status [get]
func GetStatus(ctrl Controller) func(*gin.Context) {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, ctrl.Status())
	}
}

// PostRefresh godoc
//
//	@Summary		Refresh
//	@Description	schedule a refresh cycle
//	@Tags			status
//	@Success		202
//	@Router			/v1/refresh [post]
func PostRefresh(ctrl Controller) func(*gin.Context) {
	return func(c *gin.Context) {
		ctrl.Trigger(core.OriginAPI)

		c.Status(http.StatusAccepted)
	}
}
