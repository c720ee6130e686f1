package http

import (
	"github.com/gin-gonic/gin"
	"github.com/supplytrace/tracking-service/internal/config"
	"github.com/supplytrace/tracking-service/internal/service"
	"go.uber.org/zap"
)

func NewRouter(scans *service.ScanService, shipments *service.ShipmentService, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, scans, shipments)
	return r
}
