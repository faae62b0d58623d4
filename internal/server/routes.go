package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(zapLogger(s.logger.Named("http")), gin.Recovery())

	// MJPEGストリーム
	router.GET("/", s.handleStream)

	// ヘルスチェック・状態取得
	router.GET("/health", s.handleHealth)
	router.GET("/api/status", s.handleStatus)

	// 補助エンドポイント
	router.GET("/snapshot.jpg", s.handleSnapshot)
	router.GET("/view", s.handleView)
	router.GET("/ws", s.handleWebSocket)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, newErrorResponse("not_found", "指定されたパスが見つかりません"))
	})
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, newErrorResponse("method_not_allowed", "許可されていないメソッドです"))
	})

	return router
}

// zapLogger はリクエストごとにアクセスログを出力するミドルウェア
func zapLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}
