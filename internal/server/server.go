package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"pimjpeg/internal/camera"
	"pimjpeg/internal/config"
	"pimjpeg/internal/relay"
)

// Server はHTTPサーバーとキャプチャのライフサイクルを管理する構造体
type Server struct {
	config *config.Config
	logger *zap.Logger

	slot        *relay.Slot
	broadcaster *relay.Broadcaster
	capture     *camera.Capture

	engine     *gin.Engine
	httpServer *http.Server

	// リクエストコンテキストの親。シャットダウンでキャンセルしてストリームを終わらせる
	baseCtx    context.Context
	cancelBase context.CancelFunc

	sigCh chan os.Signal
	ready chan struct{}
	addr  net.Addr

	shutdownOnce sync.Once
	shutdownErr  error
}

// Build は設定からパイプラインを選び、サーバー一式を組み立てる
func Build(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	pipeline, err := camera.NewPipelineFactory().Create(cfg.Camera, logger)
	if err != nil {
		return nil, fmt.Errorf("パイプラインの作成に失敗: %w", err)
	}
	return New(cfg, pipeline, logger), nil
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, pipeline camera.Pipeline, logger *zap.Logger) *Server {
	slot := relay.NewSlot()
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:      cfg,
		logger:      logger,
		slot:        slot,
		broadcaster: relay.NewBroadcaster(slot),
		capture:     camera.NewCapture(pipeline, cfg.Camera, slot, logger),
		baseCtx:     baseCtx,
		cancelBase:  cancel,
		sigCh:       make(chan os.Signal, 1),
		ready:       make(chan struct{}),
	}

	s.engine = s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return s.baseCtx },
	}

	return s
}

// Start はキャプチャを開始してからHTTPサーバーを起動する
//
// キャプチャの起動に失敗した場合はリッスンせずにエラーを返す。
// コンテキストのキャンセルか SIGINT/SIGTERM でシャットダウンする。
// シグナルはキャプチャの起動待ちの間から受け付け、どの経路で戻ってもカメラを解放する。
func (s *Server) Start(ctx context.Context) (err error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// シグナルハンドリング
	signal.Notify(s.sigCh, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(s.sigCh)
	go func() {
		select {
		case sig := <-s.sigCh:
			cancel(&signalError{sig: sig})
		case <-runCtx.Done():
		}
	}()

	defer func() {
		if shutdownErr := s.Shutdown(); shutdownErr != nil {
			err = errors.Join(err, shutdownErr)
		}
	}()

	if err := s.capture.Start(runCtx); err != nil {
		// 起動待ちの間に停止を要求された
		if runCtx.Err() != nil {
			s.logStopReason(runCtx)
			return nil
		}
		return fmt.Errorf("キャプチャの開始に失敗: %w", err)
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("リッスンに失敗: %w", err)
	}
	s.addr = ln.Addr()
	close(s.ready)

	// シャットダウン用のチャンネル
	serveErr := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", zap.String("addr", s.addr.String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// コンテキストかシグナルを待つ
	select {
	case <-runCtx.Done():
		s.logStopReason(runCtx)
	case err := <-serveErr:
		return err
	}

	// グレースフルシャットダウンは defer で行う
	return nil
}

// signalError は停止の原因になったシグナル
type signalError struct {
	sig os.Signal
}

func (e *signalError) Error() string {
	return fmt.Sprintf("シグナルを受信しました: %v", e.sig)
}

// logStopReason は停止の原因をログに出す
func (s *Server) logStopReason(ctx context.Context) {
	var sigErr *signalError
	if errors.As(context.Cause(ctx), &sigErr) {
		s.logger.Info("シグナルを受信しました", zap.Stringer("signal", sigErr.sig))
		return
	}
	s.logger.Info("コンテキストがキャンセルされました")
}

// Shutdown はストリームを終わらせ、HTTPサーバーとキャプチャを停止する
//
// 複数回呼んでも停止処理は1回だけ行う。
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.logger.Info("サーバーをシャットダウンしています...")

		// 待機中のコンシューマーを起こし、ストリームのハンドラーを終わらせる
		s.cancelBase()
		s.slot.Close()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("サーバーのシャットダウンに失敗: %w", err))
		}
		if err := s.capture.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("キャプチャの停止に失敗: %w", err))
		}

		s.shutdownErr = errors.Join(errs...)
		if s.shutdownErr == nil {
			s.logger.Info("サーバーが正常にシャットダウンされました")
		}
	})
	return s.shutdownErr
}

// Ready はリッスンを開始するとクローズされるチャンネルを返す
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr はリッスン中のアドレスを返す。Ready の前は空文字列
func (s *Server) Addr() string {
	select {
	case <-s.ready:
		return s.addr.String()
	default:
		return ""
	}
}

// Handler はルーティング済みのハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}
