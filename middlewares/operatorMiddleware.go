package middlewares

import (
	"net/http"

	"github.com/cellarkeep/cellar_backend/utils"
	"github.com/gin-gonic/gin"
)

// RequireOperator guards the review and merge routes. Merging is destructive
// enough that a session alone is not sufficient.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.GetIsOperatorFromContext(c.Request.Context()) {
			c.JSON(http.StatusForbidden, gin.H{"error": "operator role required"})
			c.Abort()
			return
		}
		c.Next()
	}
}
