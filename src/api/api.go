package api

import (
	"context"
	"net/netip"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cnaize/geofw/src/core"
	"github.com/cnaize/geofw/src/core/metrics"
	"github.com/cnaize/geofw/src/core/policy"
	"github.com/cnaize/geofw/src/types"
)

type Controller interface {
	Status() core.Status
	Lookup(addr netip.Addr) types.Decision
	Cycles(ctx context.Context, limit int) ([]types.Cycle, error)
	Policy() *policy.Policy
	Trigger(origin string)
}

func Register(r *gin.Engine, ctrl Controller) {
	// register prometheus metrics
	reg := prometheus.NewRegistry()
	metrics.Get().Register(reg)

	root := r.Group("/v1")
	root.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	// register api endpoints
	root.GET("/status", GetStatus(ctrl))
	root.GET("/lookup/:addr", GetLookup(ctrl))
	root.GET("/cycles", GetCycles(ctrl))
	root.GET("/policy", GetPolicy(ctrl))
	root.POST("/refresh", PostRefresh(ctrl))
}
