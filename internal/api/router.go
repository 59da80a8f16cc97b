package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/powermode/internal/api/handler"
	"github.com/timmy/powermode/internal/api/middleware"
	"github.com/timmy/powermode/internal/config"
	"github.com/timmy/powermode/internal/logger"
)

// SetupRouter configures the Gin router of the read-only status API.
func SetupRouter(
	reader handler.PowerModeReader,
	health *handler.HealthHandler,
	cfg *config.ServerConfig,
	log *logger.Logger,
) *gin.Engine {
	setMode(cfg.Mode)

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}))

	powerModeHandler := handler.NewPowerModeHandler(reader)

	r.GET("/health", health.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/power-modes", powerModeHandler.ListPowerModes)
		v1.GET("/power-modes/:plant_code", powerModeHandler.GetPowerMode)
		v1.GET("/stats", powerModeHandler.GetStats)
	}

	return r
}

// SetupMetricsRouter serves /metrics and /health next to a collector run.
func SetupMetricsRouter(mode string) *gin.Engine {
	setMode(mode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", handler.NewHealthHandler(nil).Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func setMode(mode string) {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}
}
