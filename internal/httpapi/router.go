package httpapi

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/orbitflow/taskengine/internal/app"
	"github.com/orbitflow/taskengine/internal/platform/logger"
)

// Config wires the router to the engine it delegates every operation to.
type Config struct {
	Engine *app.Engine
	Log    *logger.Logger
}

// NewRouter builds the gin engine exposing the task submission/introspection
// API: CORS middleware, a flat Config of handler dependencies, routes
// grouped under /api.
func NewRouter(cfg Config) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware("taskengine"))
	router.Use(AttachTraceData())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
	}))

	router.GET("/healthcheck", HealthCheck)

	h := NewTaskHandler(cfg.Engine, cfg.Log)

	api := router.Group("/api")
	{
		api.POST("/tasks", h.SubmitTask)
		api.GET("/tasks/:id", h.GetTask)
		api.POST("/tasks/:id/cancel", h.CancelTask)
		api.GET("/handlers", h.ListHandlers)
		api.GET("/handlers/:namespace/:name/:version/graph", h.GetDependencyGraph)
	}

	return router
}

func HealthCheck(c *gin.Context) {
	RespondOK(c, gin.H{"status": "ok"})
}
