package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// Origin 浏览器跨域校验；allowed 为空或包含 "*" 时放行
func Origin(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || OriginAllowed(allowed, origin) {
			c.Next()
			return
		}
		c.AbortWithStatus(http.StatusForbidden)
	}
}

func OriginAllowed(allowed []string, origin string) bool {
	return len(allowed) == 0 || lo.Contains(allowed, "*") || lo.Contains(allowed, origin)
}
