package controller

import (
	"strings"

	"github.com/gin-gonic/gin"

	"gradebox/internal/grading/service"
	appErr "gradebox/pkg/errors"
	"gradebox/pkg/utils/response"
)

const graderContextKey = "grader"

// AuthMiddleware rejects requests without a valid grader bearer token.
func AuthMiddleware(auth *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.AbortWithError(c, appErr.UnauthorizedError("missing authorization header"))
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			response.AbortWithError(c, appErr.UnauthorizedError("invalid authorization header"))
			return
		}
		grader, err := auth.ValidateToken(parts[1])
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		c.Set(graderContextKey, grader)
		c.Next()
	}
}
