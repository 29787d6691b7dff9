package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cnaize/geofw/lib/util/get"
)

type LookupResp struct {
	Addr       string `json:"addr" example:"203.0.113.5"`
	Verdict    string `json:"verdict" example:"drop"`
	Country    string `json:"country" example:"CN"`
	Generation uint64 `json:"generation" example:"42"`
	Matched    bool   `json:"matched"`
}

// GetLookup godoc
//
//	@Summary		Lookup address
//	@Description	classify an address against the enforced generation
//	@Tags			lookup
//	@Produce		json
//	@Param			addr	path		string	true	"address to classify"
//	@Success		200		{object}	LookupResp
//	@Failure		400
//	@Router			/v1/lookup/{addr} [get]
func GetLookup(ctrl Controller) func(*gin.Context) {
	return func(c *gin.Context) {
		addr, ok := get.NetAddr(c.Param("addr"))
		if !ok {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}

		d := ctrl.Lookup(addr)
		c.JSON(http.StatusOK, LookupResp{
			Addr:       d.Addr.String(),
			Verdict:    d.Verdict.String(),
			Country:    d.Country.String(),
			Generation: d.Generation,
			Matched:    d.Matched,
		})
	}
}
