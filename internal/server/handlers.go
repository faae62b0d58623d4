package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pimjpeg/internal/camera"
	"pimjpeg/internal/relay"
	"pimjpeg/internal/stream"
)

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func newErrorResponse(code, message string) ErrorResponse {
	return ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// HealthResponse はヘルスチェックの応答
type HealthResponse struct {
	Status    string    `json:"status"` // healthy / unhealthy
	Capture   string    `json:"capture"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse はシステム状態の応答
type StatusResponse struct {
	Status    camera.Status `json:"status"`
	Server    ServerInfo    `json:"server"`
	Camera    CameraInfo    `json:"camera"`
	Stream    StreamInfo    `json:"stream"`
	Timestamp time.Time     `json:"timestamp"`
}

// ServerInfo はサーバー情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// CameraInfo はカメラとエンコーダーの設定
type CameraInfo struct {
	Width     int                `json:"width"`
	Height    int                `json:"height"`
	FPS       int                `json:"fps"`
	Quality   float64            `json:"quality"`
	BitRate   int                `json:"bit_rate"`
	Encoder   camera.EncoderKind `json:"encoder"`
	Source    camera.SourceKind  `json:"source"`
	HFlip     bool               `json:"hflip"`
	VFlip     bool               `json:"vflip"`
	Autofocus bool               `json:"autofocus"`
	HDR       bool               `json:"hdr"`
}

// StreamInfo は配信状況
type StreamInfo struct {
	Generation      uint64     `json:"generation"`
	Frames          uint64     `json:"frames"`
	ActiveConsumers int        `json:"active_consumers"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastFrameAt     *time.Time `json:"last_frame_at,omitempty"`
}

// handleStream はMJPEGストリーミングエンドポイント
func (s *Server) handleStream(c *gin.Context) {
	session := stream.NewSession(c.Writer, c.Request, s.broadcaster, stream.Options{
		WriteTimeout: s.config.Server.StreamWriteTimeout,
	}, s.logger.Named("stream"))

	if err := session.Run(); err != nil {
		// 接続単位の失敗なのでこのセッションだけを終える
		s.logger.Debug("ストリームを中断しました", zap.String("session", session.ID()), zap.Error(err))
		_ = c.Error(err)
	}
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	status := s.capture.Status()

	response := HealthResponse{
		Status:    "healthy",
		Capture:   string(status),
		Timestamp: time.Now(),
	}
	code := http.StatusOK
	if status != camera.StatusRecording {
		response.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, response)
}

// handleStatus はシステム状態取得エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	stats := s.capture.Stats()
	settings := s.capture.Settings()

	info := StreamInfo{
		Generation:      s.broadcaster.Generation(),
		Frames:          stats.Frames,
		ActiveConsumers: s.broadcaster.Active(),
	}
	if stats.Status != camera.StatusIdle {
		info.StartedAt = &stats.StartedAt
		if stats.Frames > 0 {
			info.LastFrameAt = &stats.LastFrameAt
		}
	}

	response := StatusResponse{
		Status: stats.Status,
		Server: ServerInfo{
			Host: s.config.Server.Host,
			Port: s.config.Server.Port,
		},
		Camera: CameraInfo{
			Width:     settings.Width,
			Height:    settings.Height,
			FPS:       settings.FPS,
			Quality:   settings.Quality,
			BitRate:   camera.BitRate(settings.Resolution(), settings.FPS, settings.Quality),
			Encoder:   settings.Encoder,
			Source:    settings.Source,
			HFlip:     settings.HFlip,
			VFlip:     settings.VFlip,
			Autofocus: settings.Autofocus,
			HDR:       settings.HDR,
		},
		Stream:    info,
		Timestamp: time.Now(),
	}

	c.JSON(http.StatusOK, response)
}

// handleSnapshot は最新のフレームを1枚だけ返す
//
// まだフレームがなければ次のフレームを待つ。
func (s *Server) handleSnapshot(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.Camera.StartupTimeout)
	defer cancel()

	consumer := s.broadcaster.Subscribe(ctx)
	defer consumer.Close()

	frame, _, err := consumer.Next()
	if err != nil {
		code := http.StatusServiceUnavailable
		message := "フレームを取得できませんでした"
		if errors.Is(err, relay.ErrClosed) {
			message = "サーバーを停止しています"
		}
		c.JSON(code, newErrorResponse("frame_unavailable", message))
		return
	}

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Data(http.StatusOK, "image/jpeg", frame.Data)
}

// handleView はブラウザ用のビューアーページを返す
func (s *Server) handleView(c *gin.Context) {
	html, err := getIndexHTML()
	if err != nil {
		s.logger.Error("ビューアーページの読み込みに失敗", zap.Error(err))
		c.JSON(http.StatusInternalServerError, newErrorResponse("internal_error", "ページを表示できません"))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	// MJPEGストリームと同じくオリジンを制限しない
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket はフレームごとにバイナリメッセージを送るWebSocketエンドポイント
//
// MJPEGストリームと同じ Broadcaster から最新フレームだけを受け取る。
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade がエラー応答を書き込み済み
		s.logger.Debug("WebSocketのアップグレードに失敗", zap.Error(err))
		return
	}
	defer conn.Close()

	consumer := s.broadcaster.Subscribe(c.Request.Context())
	defer consumer.Close()

	logger := s.logger.Named("ws").With(zap.String("session", consumer.ID()))
	logger.Info("WebSocket接続を開始しました", zap.String("remote", c.Request.RemoteAddr))

	// クライアントからのクローズを検知する
	go func() {
		defer consumer.Close()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	writeTimeout := s.config.Server.StreamWriteTimeout
	for _, frame := range consumer.Frames() {
		if writeTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
			logger.Debug("WebSocketへの書き込みに失敗", zap.Error(err))
			break
		}
	}

	// 正常終了を通知する。失敗しても接続は閉じる
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(time.Second))

	stats := consumer.Stats()
	logger.Info("WebSocket接続を終了しました",
		zap.Uint64("delivered", stats.Delivered),
		zap.Uint64("skipped", stats.Skipped),
	)
}
