package handlers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/theoriahq/theoria-backend/internal/http/middleware"
	"github.com/theoriahq/theoria-backend/internal/http/response"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/services"
)

type TheoryHandler struct {
	log      *logger.Logger
	tasks    services.TaskService
	theories services.TheoryService
}

func NewTheoryHandler(baseLog *logger.Logger, tasks services.TaskService, theories services.TheoryService) *TheoryHandler {
	return &TheoryHandler{
		log:      baseLog.With("handler", "TheoryHandler"),
		tasks:    tasks,
		theories: theories,
	}
}

// Generate enqueues a theory build for the project. 202 with the task row;
// 409 when a run is already queued or running.
func (h *TheoryHandler) Generate(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing user"))
		return
	}
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", fmt.Errorf("invalid project id"))
		return
	}

	run, err := h.tasks.EnqueueTheoryBuild(c.Request.Context(), userID, projectID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondAccepted(c, gin.H{"task": run})
}

func (h *TheoryHandler) TaskStatus(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing user"))
		return
	}
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", fmt.Errorf("invalid task id"))
		return
	}

	run, err := h.tasks.GetStatus(c.Request.Context(), userID, taskID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"task": run})
}

func (h *TheoryHandler) CancelTask(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing user"))
		return
	}
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", fmt.Errorf("invalid task id"))
		return
	}

	run, err := h.tasks.Cancel(c.Request.Context(), userID, taskID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"task": run})
}

// TaskEvents streams task progress as server-sent events until the client
// disconnects or the run reaches a terminal status.
func (h *TheoryHandler) TaskEvents(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing user"))
		return
	}
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", fmt.Errorf("invalid task id"))
		return
	}

	events, cancel, err := h.tasks.Watch(c.Request.Context(), userID, taskID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, open := <-events:
			if !open {
				return false
			}
			c.SSEvent("task", ev)
			return ev.Status == "queued" || ev.Status == "running"
		}
	})
}

// LatestTheory returns the project's current completed theory with its
// claims.
func (h *TheoryHandler) LatestTheory(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing user"))
		return
	}
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", fmt.Errorf("invalid project id"))
		return
	}

	t, claims, err := h.theories.GetLatestTheory(c.Request.Context(), userID, projectID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"theory": t, "claims": claims})
}

// ExplainClaim traces one claim to its categories and fragments.
func (h *TheoryHandler) ExplainClaim(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("missing user"))
		return
	}
	theoryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", fmt.Errorf("invalid theory id"))
		return
	}
	claimID, err := uuid.Parse(c.Param("claimId"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", fmt.Errorf("invalid claim id"))
		return
	}

	result, err := h.theories.ExplainClaim(c.Request.Context(), userID, theoryID, claimID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, result)
}
