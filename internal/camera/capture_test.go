package camera

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"pimjpeg/internal/relay"
)

func newTestSettings() Settings {
	s := DefaultSettings()
	s.Width = 64
	s.Height = 48
	s.FPS = 30
	s.Source = SourceTest
	s.StallTimeout = 0
	return s
}

func TestCapture_StartStop(t *testing.T) {
	ctx := context.Background()
	pipeline := NewMockPipeline()
	slot := relay.NewSlot()

	capture := NewCapture(pipeline, newTestSettings(), slot, zap.NewNop())

	// 初期状態
	if capture.Status() != StatusIdle {
		t.Errorf("Expected initial status to be idle, got %s", capture.Status())
	}

	if err := capture.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if capture.Status() != StatusRecording {
		t.Errorf("Expected status to be recording, got %s", capture.Status())
	}

	// フレームがSlotに届くこと
	frame, gen, err := slot.WaitForNext(ctx, 0)
	if err != nil {
		t.Fatalf("WaitForNext failed: %v", err)
	}
	if gen == 0 || frame.Len() == 0 {
		t.Errorf("Expected a published frame, got gen=%d len=%d", gen, frame.Len())
	}

	if err := capture.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if capture.Status() != StatusIdle {
		t.Errorf("Expected status to be idle after stop, got %s", capture.Status())
	}
	if pipeline.Running() {
		t.Error("Expected pipeline to be stopped")
	}
}

func TestCapture_PipelineConfig(t *testing.T) {
	ctx := context.Background()
	pipeline := NewMockPipeline()
	pipeline.SetAutoEmit(false)

	settings := newTestSettings()
	settings.Width = 1920
	settings.Height = 1080
	settings.FPS = 24
	settings.Quality = 0.8
	settings.Encoder = EncoderHardware

	capture := NewCapture(pipeline, settings, relay.NewSlot(), zap.NewNop())
	if err := capture.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = capture.Stop(ctx) }()

	cfg := pipeline.Config()
	if cfg.BitRate != 20132659 {
		t.Errorf("Expected bit rate 20132659, got %d", cfg.BitRate)
	}
	if cfg.Encoder != EncoderHardware {
		t.Errorf("Expected hardware encoder, got %s", cfg.Encoder)
	}
	if stats := capture.Stats(); stats.BitRate != 20132659 {
		t.Errorf("Expected stats bit rate 20132659, got %d", stats.BitRate)
	}
}

func TestCapture_StartupError(t *testing.T) {
	ctx := context.Background()
	pipeline := NewMockPipeline()
	pipeline.SetShouldFailStart(true)

	capture := NewCapture(pipeline, newTestSettings(), relay.NewSlot(), zap.NewNop())

	err := capture.Start(ctx)
	if err == nil {
		t.Fatal("Expected start to fail")
	}
	if !errors.Is(err, ErrCaptureStartup) {
		t.Errorf("Expected ErrCaptureStartup, got %v", err)
	}
	var startupErr *StartupError
	if !errors.As(err, &startupErr) {
		t.Errorf("Expected *StartupError, got %T", err)
	}
	if capture.Status() != StatusIdle {
		t.Errorf("Expected status to remain idle, got %s", capture.Status())
	}

	// 停止していないので Stop はパイプラインに触れない
	if err := capture.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if pipeline.StopCount() != 0 {
		t.Errorf("Expected pipeline stop count 0, got %d", pipeline.StopCount())
	}
}

func TestCapture_DoubleStart(t *testing.T) {
	ctx := context.Background()
	pipeline := NewMockPipeline()
	capture := NewCapture(pipeline, newTestSettings(), relay.NewSlot(), zap.NewNop())

	if err := capture.Start(ctx); err != nil {
		t.Fatalf("First start failed: %v", err)
	}

	// 二回目の開始（エラーになるべき）
	if err := capture.Start(ctx); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("Expected ErrAlreadyRecording, got %v", err)
	}

	if err := capture.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// 停止後の再開始（成功するべき）
	if err := capture.Start(ctx); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	_ = capture.Stop(ctx)

	if pipeline.StartCount() != 2 || pipeline.StopCount() != 2 {
		t.Errorf("Expected 2 starts and 2 stops, got %d/%d", pipeline.StartCount(), pipeline.StopCount())
	}
}

func TestCapture_StopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pipeline := NewMockPipeline()
	capture := NewCapture(pipeline, newTestSettings(), relay.NewSlot(), zap.NewNop())

	if err := capture.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := capture.Stop(ctx); err != nil {
			t.Fatalf("Stop #%d failed: %v", i+1, err)
		}
	}

	if pipeline.StopCount() != 1 {
		t.Errorf("Expected pipeline to be stopped exactly once, got %d", pipeline.StopCount())
	}
}

func TestCapture_StopFailure(t *testing.T) {
	ctx := context.Background()
	pipeline := NewMockPipeline()
	capture := NewCapture(pipeline, newTestSettings(), relay.NewSlot(), zap.NewNop())

	if err := capture.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	pipeline.SetShouldFailStop(true)
	if err := capture.Stop(ctx); err == nil {
		t.Error("Expected stop to fail")
	}
	if capture.Status() != StatusIdle {
		t.Errorf("Expected status to be idle even after failed stop, got %s", capture.Status())
	}

	// 後片付け
	pipeline.SetShouldFailStop(false)
	_ = pipeline.Stop(ctx)
}

// TestCapture_StallMonitor はフレームが途絶えるとerrorになり、再開するとrecordingに戻ることを確認する
func TestCapture_StallMonitor(t *testing.T) {
	ctx := context.Background()
	pipeline := NewMockPipeline()
	pipeline.SetAutoEmit(false)

	settings := newTestSettings()
	settings.StallTimeout = 40 * time.Millisecond

	capture := NewCapture(pipeline, settings, relay.NewSlot(), zap.NewNop())
	if err := capture.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = capture.Stop(ctx) }()

	time.Sleep(150 * time.Millisecond)
	if capture.Status() != StatusError {
		t.Fatalf("Expected status to be error after stall, got %s", capture.Status())
	}

	// フレームを流し続けると復帰する
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := pipeline.Emit([]byte{0xFF, 0xD8, 0xFF, 0xD9}); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if capture.Status() != StatusRecording {
		t.Errorf("Expected status to recover to recording, got %s", capture.Status())
	}

	if frames := capture.Stats().Frames; frames == 0 {
		t.Error("Expected frames to be counted")
	}
}

// eagerPipeline は Start の中で最初のフレームを届けるパイプライン
type eagerPipeline struct {
	stops int
}

func (p *eagerPipeline) Start(_ context.Context, _ PipelineConfig, onFrame FrameHandler) error {
	onFrame([]byte("first"))
	return nil
}

func (p *eagerPipeline) Stop(context.Context) error {
	p.stops++
	return nil
}

// TestCapture_CountsFrameDeliveredDuringStart は起動待ちの間に届いたフレームが統計に残ることを確認する
func TestCapture_CountsFrameDeliveredDuringStart(t *testing.T) {
	ctx := context.Background()
	pipeline := &eagerPipeline{}
	slot := relay.NewSlot()
	capture := NewCapture(pipeline, newTestSettings(), slot, zap.NewNop())

	if err := capture.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer capture.Stop(ctx)

	stats := capture.Stats()
	if stats.Frames != 1 {
		t.Errorf("Expected 1 frame, got %d", stats.Frames)
	}
	if slot.Generation() != 1 {
		t.Errorf("Expected generation 1, got %d", slot.Generation())
	}

	// 2回目以降の起動では前回の分を数えない
	if err := capture.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := capture.Start(ctx); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if stats := capture.Stats(); stats.Frames != 1 {
		t.Errorf("Expected 1 frame after restart, got %d", stats.Frames)
	}
}

// stuckPipeline は ctx がキャンセルされるまで Start から戻らないパイプライン
type stuckPipeline struct {
	stops int
}

func (p *stuckPipeline) Start(ctx context.Context, _ PipelineConfig, _ FrameHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (p *stuckPipeline) Stop(context.Context) error {
	p.stops++
	return nil
}

// TestCapture_StartCanceled は起動待ちのキャンセルでパイプラインが後始末されることを確認する
func TestCapture_StartCanceled(t *testing.T) {
	pipeline := &stuckPipeline{}
	capture := NewCapture(pipeline, newTestSettings(), relay.NewSlot(), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := capture.Start(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context.DeadlineExceeded, got %v", err)
	}
	if errors.Is(err, ErrCaptureStartup) {
		t.Error("Cancellation should not be reported as a startup error")
	}
	if capture.Status() != StatusIdle {
		t.Errorf("Expected status to remain idle, got %s", capture.Status())
	}
	if pipeline.stops != 1 {
		t.Errorf("Expected pipeline to be stopped once, got %d", pipeline.stops)
	}

	// Idle なので Capture.Stop は重ねて止めない
	if err := capture.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if pipeline.stops != 1 {
		t.Errorf("Expected pipeline stop count to stay 1, got %d", pipeline.stops)
	}
}
