package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pimjpeg/internal/relay"
)

// Publisher はエンコード済みフレームの書き込み先
type Publisher interface {
	Publish(frame relay.Frame)
}

// CaptureStats はキャプチャの状態情報
type CaptureStats struct {
	Status      Status
	Frames      uint64    // 起動以降に受け取ったフレーム数
	LastFrameAt time.Time // 最後にフレームを受け取った時刻
	StartedAt   time.Time
	BitRate     int
}

// Capture はキャプチャ・エンコードパイプラインの開始と停止を担い、
// フレームコールバックを Publisher へ流す
type Capture struct {
	pipeline  Pipeline
	settings  Settings
	publisher Publisher
	logger    *zap.Logger

	// Start/Stop の直列化用
	lifecycle sync.Mutex

	mu        sync.RWMutex
	status    Status
	startedAt time.Time
	bitRate   int

	frames    atomic.Uint64
	lastFrame atomic.Int64 // UnixNano

	// 監視ゴルーチン用
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCapture は新しいCaptureを作成する
func NewCapture(pipeline Pipeline, settings Settings, publisher Publisher, logger *zap.Logger) *Capture {
	return &Capture{
		pipeline:  pipeline,
		settings:  settings,
		publisher: publisher,
		logger:    logger.Named("capture"),
		status:    StatusIdle,
	}
}

// Start はパイプラインを設定して録画を開始する
//
// 起動に失敗した場合は ErrCaptureStartup にマッチするエラーを返し、状態は Idle のまま。
// ctx がキャンセルされた場合は ctx.Err() を返す。どちらの場合もパイプラインの Stop を呼んで後始末する。
func (c *Capture) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.Status() != StatusIdle {
		return ErrAlreadyRecording
	}

	cfg := NewPipelineConfig(c.settings)
	c.logger.Info("キャプチャを開始します",
		zap.Int("width", cfg.Resolution.Width),
		zap.Int("height", cfg.Resolution.Height),
		zap.Int("fps", cfg.FrameRate),
		zap.Int("bit_rate", cfg.BitRate),
		zap.String("encoder", string(cfg.Encoder)),
		zap.Duration("frame_duration_min", cfg.Controls.FrameDurationMin),
		zap.Duration("frame_duration_max", cfg.Controls.FrameDurationMax),
		zap.String("hdr", cfg.Controls.HDRMode),
		zap.String("tuning_file", cfg.TuningFile),
	)

	// 起動待ちの間に届いたフレームも数えるため、パイプラインより先にリセットする
	now := time.Now()
	c.frames.Store(0)
	c.lastFrame.Store(now.UnixNano())

	if err := c.pipeline.Start(ctx, cfg, c.handleFrame); err != nil {
		if errors.Is(err, ErrAlreadyRecording) {
			return err
		}
		// 途中まで確保したデバイスを解放する
		if stopErr := c.pipeline.Stop(context.Background()); stopErr != nil {
			c.logger.Warn("起動に失敗したパイプラインの停止に失敗", zap.Error(stopErr))
		}
		if errors.Is(err, ErrCaptureStartup) || ctx.Err() != nil {
			return err
		}
		return newStartupError("パイプラインの起動に失敗", err)
	}

	c.mu.Lock()
	c.status = StatusRecording
	c.startedAt = now
	c.bitRate = cfg.BitRate
	c.mu.Unlock()

	// フレーム途絶の監視
	if c.settings.StallTimeout > 0 {
		c.stopCh = make(chan struct{})
		c.wg.Add(1)
		go c.monitor(c.stopCh)
	}

	return nil
}

// Stop はパイプラインを停止して Idle に戻す
//
// 停止済みなら何もしない。パイプラインの Stop は1回の Start につき1回だけ呼ばれる。
func (c *Capture) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.Status() == StatusIdle {
		return nil
	}

	if c.stopCh != nil {
		close(c.stopCh)
		c.wg.Wait()
		c.stopCh = nil
	}

	err := c.pipeline.Stop(ctx)

	c.mu.Lock()
	c.status = StatusIdle
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("パイプラインの停止に失敗: %w", err)
	}

	c.logger.Info("キャプチャを停止しました", zap.Uint64("frames", c.frames.Load()))
	return nil
}

// Status は現在の状態を取得する
func (c *Capture) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Settings は現在の設定を取得する
func (c *Capture) Settings() Settings {
	return c.settings
}

// Stats は状態情報を取得する
func (c *Capture) Stats() CaptureStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return CaptureStats{
		Status:      c.status,
		Frames:      c.frames.Load(),
		LastFrameAt: time.Unix(0, c.lastFrame.Load()),
		StartedAt:   c.startedAt,
		BitRate:     c.bitRate,
	}
}

// handleFrame はパイプラインのフレームコールバック
func (c *Capture) handleFrame(buf []byte) {
	c.frames.Add(1)
	c.lastFrame.Store(time.Now().UnixNano())
	c.publisher.Publish(relay.NewFrame(buf))
}

// monitor はフレームの途絶を監視する
func (c *Capture) monitor(stopCh <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.settings.StallTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.checkHealth()
		}
	}
}

// checkHealth は最後のフレームからの経過時間で状態を更新する
func (c *Capture) checkHealth() {
	since := time.Since(time.Unix(0, c.lastFrame.Load()))

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.status == StatusRecording && since > c.settings.StallTimeout:
		c.status = StatusError
		c.logger.Warn("フレームが途絶えています", zap.Duration("since_last_frame", since))
	case c.status == StatusError && since <= c.settings.StallTimeout:
		c.status = StatusRecording
		c.logger.Info("フレームの受信が再開しました")
	}
}
