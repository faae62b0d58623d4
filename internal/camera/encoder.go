package camera

import (
	"math"
	"time"
)

// referenceResolution はビットレート計算の基準解像度
var referenceResolution = Resolution{Width: 1920, Height: 1080}

// BitRate はエンコーダーに渡す目標ビットレート（バイト/秒）を計算する
//
//	ratio    = (w*h) / (1920*1080)
//	bit_rate = round(fps * quality * ratio * 1024 * 1024)
//
// 丸めは math.Round（0.5は0から遠い方へ）。
func BitRate(res Resolution, fps int, quality float64) int {
	ratio := float64(res.Width*res.Height) / float64(referenceResolution.Width*referenceResolution.Height)
	return int(math.Round(float64(fps) * quality * ratio * 1024 * 1024))
}

// Controls はカメラの制御パラメータ
type Controls struct {
	FrameDurationMin time.Duration // 最短フレーム時間 = 1/(2*fps)
	FrameDurationMax time.Duration // 最長フレーム時間（シャッター1秒まで）
	Metering         string        // 測光モード
	AutofocusMode    string        // 空なら既定のまま
	HDRMode          string        // "single-exp" または "off"
	Denoise          string        // 空なら既定のまま
}

// BuildControls は設定からカメラの制御パラメータを組み立てる
//
// シャッター速度は 1/(2*fps) 秒から1秒まで。HDR有効時は高品質ノイズリダクションも使う。
func BuildControls(fps int, autofocus, hdr bool) Controls {
	const baseSpeed = time.Second

	c := Controls{
		FrameDurationMin: time.Duration(int64(baseSpeed/time.Microsecond)/int64(2*fps)) * time.Microsecond,
		FrameDurationMax: baseSpeed,
		Metering:         "matrix",
		HDRMode:          "off",
	}
	if autofocus {
		c.AutofocusMode = "continuous"
	}
	if hdr {
		c.HDRMode = "single-exp"
		c.Denoise = "cdn_hq"
	}
	return c
}

// NewPipelineConfig は設定からパイプライン設定を作成する
func NewPipelineConfig(s Settings) PipelineConfig {
	return PipelineConfig{
		Resolution: s.Resolution(),
		FrameRate:  s.FPS,
		BitRate:    BitRate(s.Resolution(), s.FPS, s.Quality),
		HFlip:      s.HFlip,
		VFlip:      s.VFlip,
		Controls:   BuildControls(s.FPS, s.Autofocus, s.HDR),
		Encoder:    s.Encoder,
		TuningFile: s.TuningFile,
	}
}
