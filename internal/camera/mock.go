package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sync"
	"time"
)

// MockPipeline はテストパターンを生成するPipeline実装
//
// ハードウェアのない開発環境とテストで使う。自動生成を無効にすると Emit で手動送出できる。
type MockPipeline struct {
	mu       sync.Mutex
	onFrame  FrameHandler
	cfg      PipelineConfig
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
	autoEmit bool

	startCount int
	stopCount  int

	// テスト制御用
	shouldFailStart bool
	shouldFailStop  bool
}

// NewMockPipeline は新しいMockPipelineを作成する
func NewMockPipeline() *MockPipeline {
	return &MockPipeline{autoEmit: true}
}

// Start はテストパターンの生成を開始する
func (m *MockPipeline) Start(_ context.Context, cfg PipelineConfig, onFrame FrameHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRecording
	}
	if m.shouldFailStart {
		return newStartupError("モック: デバイスが使用中です", nil)
	}

	m.cfg = cfg
	m.onFrame = onFrame
	m.stopCh = make(chan struct{})
	m.running = true
	m.startCount++

	if m.autoEmit && cfg.FrameRate > 0 {
		m.wg.Add(1)
		go m.generate(cfg, onFrame, m.stopCh)
	}
	return nil
}

// Stop はテストパターンの生成を停止する
func (m *MockPipeline) Stop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldFailStop {
		return errors.New("モック: パイプラインの停止に失敗")
	}
	if !m.running {
		return nil
	}

	close(m.stopCh)
	m.wg.Wait()

	m.running = false
	m.onFrame = nil
	m.stopCount++
	return nil
}

// Emit は1フレームを手動で送出する
func (m *MockPipeline) Emit(buf []byte) error {
	m.mu.Lock()
	onFrame := m.onFrame
	m.mu.Unlock()

	if onFrame == nil {
		return fmt.Errorf("モック: パイプラインが起動していません")
	}
	onFrame(buf)
	return nil
}

// generate はフレームレートに合わせてテストパターンを送出する
func (m *MockPipeline) generate(cfg PipelineConfig, onFrame FrameHandler, stopCh chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(cfg.FrameRate))
	defer ticker.Stop()

	frameNum := 0
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			buf, err := TestPattern(cfg.Resolution, frameNum)
			if err != nil {
				continue
			}
			onFrame(buf)
			frameNum++
		}
	}
}

// Config は最後に Start に渡された設定を返す
func (m *MockPipeline) Config() PipelineConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Running は生成中かどうかを返す
func (m *MockPipeline) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// StartCount は Start が成功した回数を返す
func (m *MockPipeline) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCount
}

// StopCount は実際に停止した回数を返す
func (m *MockPipeline) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCount
}

// SetAutoEmit はテスト用に自動生成の有効/無効を設定する
func (m *MockPipeline) SetAutoEmit(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoEmit = enabled
}

// SetShouldFailStart はテスト用にStart失敗を設定する
func (m *MockPipeline) SetShouldFailStart(shouldFail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFailStart = shouldFail
}

// SetShouldFailStop はテスト用にStop失敗を設定する
func (m *MockPipeline) SetShouldFailStop(shouldFail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFailStop = shouldFail
}

// TestPattern はフレーム番号に応じて色と位置が変わるJPEG画像を生成する
func TestPattern(res Resolution, frameNum int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, res.Width, res.Height))

	// 背景色は時間とともに変化させる
	r := uint8((frameNum * 2) % 255)
	g := uint8((frameNum * 3) % 255)
	b := uint8((frameNum * 5) % 255)
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: r, G: g, B: b, A: 255}}, image.Point{}, draw.Src)

	// 移動する矩形
	size := min(res.Width, res.Height) / 8
	if size > 0 {
		x := (frameNum * 5) % max(res.Width-size, 1)
		y := (frameNum * 3) % max(res.Height-size, 1)
		rect := image.Rect(x, y, x+size, y+size)
		draw.Draw(img, rect, &image.Uniform{C: color.RGBA{R: 255 - r, G: 255 - g, B: 255 - b, A: 255}}, image.Point{}, draw.Src)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("テストパターンのエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}
