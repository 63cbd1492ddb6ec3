package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures the control-plane API routes.
func SetupRoutes(router *gin.RouterGroup, handler *Handler) {
	sessions := router.Group("/sessions")
	{
		sessions.POST("", handler.CreateSession)
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:sessionKey", handler.GetSession)
		sessions.DELETE("/:sessionKey", handler.DeleteSession)
		sessions.POST("/:sessionKey/exec", handler.ExecuteCommand)
	}

	workspaces := router.Group("/workspaces")
	{
		workspaces.POST("/:workspaceId/load", handler.LoadWorkspace)
		workspaces.POST("/:workspaceId/save", handler.SaveWorkspace)
	}
}
