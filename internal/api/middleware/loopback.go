package middleware

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// LoopbackOnly rejects requests whose TCP peer is not a loopback address.
// Forwarding headers are ignored.
func LoopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := net.ParseIP(c.RemoteIP())
		if ip == nil || !ip.IsLoopback() {
			log.Warnf("Rejected %s %s from non-loopback peer %s", c.Request.Method, c.Request.URL.Path, c.RemoteIP())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"message": T(c, "error_forbidden", nil),
			})
			return
		}
		c.Next()
	}
}
