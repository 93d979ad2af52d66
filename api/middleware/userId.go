package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/customeros/mailsync/internal/utils"
)

func UserIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId := ""
		for _, header := range utils.UserIdHeaders {
			if value := strings.TrimSpace(c.GetHeader(header)); value != "" {
				userId = value
				break
			}
		}

		c.Set(utils.GinUserIdKey, userId)
		c.Next()
	}
}
