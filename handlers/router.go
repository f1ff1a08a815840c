package handlers

import (
	"time"

	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/gin-gonic/gin"
)

func NewRouter(env string, h *HTTPHandler, l logging.Logger) *gin.Engine {
	if env == "production" || env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(l))
	h.Register(r)
	return r
}

func requestLogger(l logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		l.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
