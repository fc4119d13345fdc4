package controller

import (
	"github.com/gin-gonic/gin"

	"gradebox/internal/common/http/middleware"
	"gradebox/internal/grading/service"
)

// RegisterRoutes mounts the grading API under /api/v1/grading.
func RegisterRoutes(router *gin.Engine, auth *service.AuthService, authCtrl *AuthController, submitCtrl *SubmitController, batchCtrl *BatchController, streamCtrl *StreamController) {
	router.Use(gin.Recovery())
	router.Use(middleware.TraceContextMiddleware())
	router.Use(middleware.RequestLogger())

	api := router.Group("/api/v1/grading")
	api.POST("/login", authCtrl.Login)

	authed := api.Group("")
	authed.Use(AuthMiddleware(auth))
	authed.POST("/batches", submitCtrl.Submit)
	authed.GET("/batches/:id", batchCtrl.GetBatch)
	authed.DELETE("/batches/:id", batchCtrl.PurgeBatch)
	authed.GET("/batches/:id/students/:sid", batchCtrl.GetStudentReport)
	authed.GET("/batches/:id/stream", streamCtrl.Stream)
}
