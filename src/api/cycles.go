package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cnaize/geofw/src/types"
)

const maxCycles = 1000

type GetCyclesResp struct {
	Cycles []types.Cycle `json:"cycles"`
}

// GetCycles godoc
//
//	@Summary		Get cycles
//	@Description	get the newest refresh cycles
//	@Tags			cycles
//	@Produce		json
//	@Param			limit	query		int	false	"max cycles"	default(20)
//	@Success		200		{object}	GetCyclesResp
//	@Failure		400
//	@Failure		500
//	@Router			/v1/cycles [get]
func GetCycles(ctrl Controller) func(*gin.Context) {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
		if err != nil || limit < 1 || limit > maxCycles {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}

		cycles, err := ctrl.Cycles(c, limit)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		if cycles == nil {
			cycles = []types.Cycle{}
		}

		c.JSON(http.StatusOK, GetCyclesResp{Cycles: cycles})
	}
}
