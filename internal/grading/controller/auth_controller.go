// Package controller exposes the grading HTTP API.
package controller

import (
	"time"

	"github.com/gin-gonic/gin"

	"gradebox/internal/grading/service"
	appErr "gradebox/pkg/errors"
	"gradebox/pkg/utils/response"
)

// AuthController handles grader login.
type AuthController struct {
	auth *service.AuthService
}

// NewAuthController creates the auth controller.
func NewAuthController(auth *service.AuthService) *AuthController {
	return &AuthController{auth: auth}
}

type loginRequest struct {
	Name     string `json:"name" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login verifies credentials and returns a bearer token.
func (c *AuthController) Login(ctx *gin.Context) {
	var req loginRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		response.Error(ctx, appErr.BadRequest("name and password are required"))
		return
	}
	token, expiresAt, err := c.auth.Login(ctx.Request.Context(), req.Name, req.Password)
	if err != nil {
		response.Error(ctx, err)
		return
	}
	response.Success(ctx, loginResponse{Token: token, ExpiresAt: expiresAt})
}
