package relay

import "time"

// Frame はエンコード済みのJPEG画像1枚を表す
//
// Publish 後は読み取り専用として扱い、Data を書き換えてはならない。
// 全コンシューマーで同じバイト列を共有する。
type Frame struct {
	Data     []byte    // JPEG画像データ
	Captured time.Time // エンコーダーからフレームを受け取った時刻
}

// NewFrame はJPEGバイト列からFrameを作成する
func NewFrame(data []byte) Frame {
	return Frame{Data: data, Captured: time.Now()}
}

// Len はJPEGデータのバイト長を返す
func (f Frame) Len() int {
	return len(f.Data)
}

// IsZero はフレームが空かどうかを返す
func (f Frame) IsZero() bool {
	return f.Data == nil
}
