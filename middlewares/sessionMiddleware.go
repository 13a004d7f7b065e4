package middlewares

import (
	"net/http"
	"strconv"

	"github.com/cellarkeep/cellar_backend/config"
	"github.com/cellarkeep/cellar_backend/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware resolves the session token header into user context.
// Requests without a token pass through anonymous; downstream handlers that
// need identity reject them.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}

		username, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, username)

		if v, exists, err := config.GetRedisValue("UserId:" + username); err == nil && exists {
			if id, convErr := strconv.Atoi(v); convErr == nil {
				ctx = utils.SetUserIdInContext(ctx, id)
			}
		}
		if v, exists, err := config.GetRedisValue("UserName:" + username); err == nil && exists {
			ctx = utils.SetUserNameInContext(ctx, v)
		}
		if v, exists, err := config.GetRedisValue("IsOperator:" + username); err == nil && exists {
			ctx = utils.SetIsOperatorInContext(ctx, v == "true")
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
