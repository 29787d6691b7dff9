package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cnaize/geofw/src/core/policy"
)

type GetPolicyResp struct {
	Default string         `json:"default" example:"allow"`
	Entries []policy.Entry `json:"entries"`
}

// GetPolicy godoc
//
//	@Summary		Get policy
//	@Description	get the policy of the next refresh cycle
//	@Tags			policy
//	@Produce		json
//	@Success		200	{object}	GetPolicyResp
//	@Router			/v1/policy [get]
func GetPolicy(ctrl Controller) func(*gin.Context) {
	return func(c *gin.Context) {
		p := ctrl.Policy()

		entries := p.Entries()
		if entries == nil {
			entries = []policy.Entry{}
		}

		c.JSON(http.StatusOK, GetPolicyResp{
			Default: p.Default().String(),
			Entries: entries,
		})
	}
}
