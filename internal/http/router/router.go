package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"basegraph.app/courier/internal/http/handler"
	"basegraph.app/courier/internal/vendorapi"
)

type RouterConfig struct {
	// Gatherer backs GET /metrics. Nil leaves the route out.
	Gatherer prometheus.Gatherer
}

// SetupRoutes mounts the probe and scrape endpoints shared by every process.
func SetupRoutes(router *gin.Engine, health *handler.HealthHandler, cfg RouterConfig) {
	router.GET("/health", health.Live)
	router.GET("/ready", health.Ready)

	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
}

func VendorRouter(router *gin.RouterGroup, simulator *vendorapi.Simulator) {
	router.POST("/send", simulator.Send)
}
