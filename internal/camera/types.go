package camera

import (
	"context"
	"time"
)

// Status はキャプチャの動作状態を表す
type Status string

const (
	StatusIdle      Status = "idle"      // パイプライン停止中
	StatusRecording Status = "recording" // 録画（エンコード）中
	StatusError     Status = "error"     // フレームが途絶えている
)

// EncoderKind はJPEGエンコーダーの種類
type EncoderKind string

const (
	// EncoderHardware はSoCのMJPEGエンコーダーを使う。Pi Zeroのような低性能機向けだが画質は劣る
	EncoderHardware EncoderKind = "hardware"
	// EncoderSoftware はlibavのソフトウェアエンコーダーを使う
	EncoderSoftware EncoderKind = "software"
)

// SourceKind はフレームの供給元
type SourceKind string

const (
	// SourceRpicam はrpicam-vidでカメラモジュールから取得する
	SourceRpicam SourceKind = "rpicam"
	// SourceTest はテストパターンを生成する（ハードウェア不要）
	SourceTest SourceKind = "test"
)

// Resolution は解像度を表す
type Resolution struct {
	Width  int // 幅
	Height int // 高さ
}

// Settings はカメラとエンコーダーの設定
type Settings struct {
	Width   int     `yaml:"width" validate:"min=1,max=4608"`  // 画像幅
	Height  int     `yaml:"height" validate:"min=1,max=2592"` // 画像高さ
	FPS     int     `yaml:"fps" validate:"min=1,max=120"`     // フレームレート
	Quality float64 `yaml:"quality" validate:"gt=0,lte=1"`    // 品質係数 (0.8 = 80%)

	HFlip     bool `yaml:"hflip"`     // 左右反転
	VFlip     bool `yaml:"vflip"`     // 上下反転
	Autofocus bool `yaml:"autofocus"` // 連続オートフォーカス
	HDR       bool `yaml:"hdr"`       // HDR (シングル露光)

	Encoder    EncoderKind `yaml:"encoder" validate:"oneof=hardware software"`
	TuningFile string      `yaml:"tuning_file"` // 例: /usr/share/libcamera/ipa/rpi/vc4/imx708.json
	Source     SourceKind  `yaml:"source" validate:"oneof=rpicam test"`

	StartupTimeout time.Duration `yaml:"startup_timeout" validate:"gt=0"` // 最初のフレームを待つ時間
	StallTimeout   time.Duration `yaml:"stall_timeout" validate:"gte=0"`  // フレーム途絶とみなす時間 (0 = 監視しない)
}

// DefaultSettings はデフォルトのカメラ設定を返す
func DefaultSettings() Settings {
	return Settings{
		Width:          1920,
		Height:         1080,
		FPS:            24,
		Quality:        0.8,
		HFlip:          true,
		VFlip:          true,
		Autofocus:      true,
		HDR:            true,
		Encoder:        EncoderSoftware,
		Source:         SourceRpicam,
		StartupTimeout: 10 * time.Second,
		StallTimeout:   5 * time.Second,
	}
}

// Resolution は設定された解像度を返す
func (s Settings) Resolution() Resolution {
	return Resolution{Width: s.Width, Height: s.Height}
}

// PipelineConfig はキャプチャ・エンコードパイプラインに渡す設定
type PipelineConfig struct {
	Resolution Resolution
	FrameRate  int
	BitRate    int // 1秒あたりのバイト数
	HFlip      bool
	VFlip      bool
	Controls   Controls
	Encoder    EncoderKind
	TuningFile string // 空なら使わない
}

// FrameHandler はエンコード済みフレームを受け取るコールバック
//
// パイプラインの読み取りゴルーチンから呼ばれる。buf の所有権は呼び出し先に移る。
type FrameHandler func(buf []byte)

// Pipeline はカメラのキャプチャ・エンコードを行う外部コンポーネント
type Pipeline interface {
	// Start は録画を開始し、フレームごとに onFrame を呼び出す
	Start(ctx context.Context, cfg PipelineConfig, onFrame FrameHandler) error

	// Stop はコールバックを止め、カメラデバイスを解放する
	Stop(ctx context.Context) error
}
