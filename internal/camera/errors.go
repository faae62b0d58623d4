package camera

import (
	"errors"
	"fmt"
)

var (
	// ErrCaptureStartup はキャプチャの起動失敗を表す。StartupError はこれにマッチする
	ErrCaptureStartup = errors.New("camera: capture startup failed")

	// ErrAlreadyRecording は録画中に Start が呼ばれたことを表す
	ErrAlreadyRecording = errors.New("camera: already recording")
)

// StartupError はデバイス使用中・チューニングファイル不正・未対応設定などによる起動失敗
//
// 起動時の致命的エラーであり、サーバーはこの状態でトラフィックを受け付けない。
type StartupError struct {
	Reason string
	Err    error
}

func newStartupError(reason string, err error) *StartupError {
	return &StartupError{Reason: reason, Err: err}
}

func (e *StartupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("キャプチャの起動に失敗: %s", e.Reason)
	}
	return fmt.Sprintf("キャプチャの起動に失敗: %s: %v", e.Reason, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// Is は errors.Is(err, ErrCaptureStartup) を満たすために実装する
func (e *StartupError) Is(target error) bool {
	return target == ErrCaptureStartup
}
