package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/orbitflow/taskengine/internal/app"
	"github.com/orbitflow/taskengine/internal/apierr"
	"github.com/orbitflow/taskengine/internal/platform/logger"
)

// TaskHandler is a thin gin adapter over app.Engine: every method parses the
// request, delegates, and maps the result through Respond{OK,Err}.
type TaskHandler struct {
	engine *app.Engine
	log    *logger.Logger
}

func NewTaskHandler(engine *app.Engine, log *logger.Logger) *TaskHandler {
	return &TaskHandler{engine: engine, log: log.With("component", "TaskHandler")}
}

type submitTaskBody struct {
	Namespace    string         `json:"namespace"`
	Name         string         `json:"name" binding:"required"`
	Version      string         `json:"version"`
	Context      map[string]any `json:"context"`
	Initiator    string         `json:"initiator"`
	SourceSystem string         `json:"source_system"`
	Reason       string         `json:"reason"`
	Tags         map[string]any `json:"tags"`
}

// POST /api/tasks
func (h *TaskHandler) SubmitTask(c *gin.Context) {
	var body submitTaskBody
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondErr(c, apierr.ValidationField("body", err.Error()))
		return
	}

	taskID, err := h.engine.SubmitTask(c.Request.Context(), app.SubmitTaskRequest{
		Namespace:    body.Namespace,
		Name:         body.Name,
		Version:      body.Version,
		Context:      body.Context,
		Initiator:    body.Initiator,
		SourceSystem: body.SourceSystem,
		Reason:       body.Reason,
		Tags:         body.Tags,
	})
	if err != nil {
		RespondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task_id": taskID})
}

// GET /api/tasks/:id
func (h *TaskHandler) GetTask(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondErr(c, apierr.ValidationField("id", "not a valid task id"))
		return
	}
	result, err := h.engine.GetTask(c.Request.Context(), taskID)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, result)
}

// POST /api/tasks/:id/cancel
func (h *TaskHandler) CancelTask(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondErr(c, apierr.ValidationField("id", "not a valid task id"))
		return
	}
	if err := h.engine.CancelTask(c.Request.Context(), taskID); err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, gin.H{"ok": true})
}

// GET /api/handlers?namespace=
func (h *TaskHandler) ListHandlers(c *gin.Context) {
	namespace := c.Query("namespace")
	RespondOK(c, gin.H{"handlers": h.engine.ListHandlers(namespace)})
}

// GET /api/handlers/:namespace/:name/:version/graph
func (h *TaskHandler) GetDependencyGraph(c *gin.Context) {
	namespace := c.Param("namespace")
	name := c.Param("name")
	version := c.Param("version")
	graph, err := h.engine.GetDependencyGraph(c.Request.Context(), namespace, name, version)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, graph)
}
