// Package camera カメラのキャプチャ・エンコードパイプラインのライフサイクルを担う
//
// # 責務
// - パイプラインの開始と停止（Idle / Recording）
// - 解像度・フレームレート・品質係数からの目標ビットレート算出
// - オートフォーカス・HDR・測光などの制御パラメータの組み立て
// - エンコード済みフレームを relay.Slot へ流すコールバックの登録
// - フレーム途絶の監視
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - Raspberry Piのカメラモジュールから MJPEG を取得したい
// - ハードウェアなしでテストパターンを配信したい
//
// # 仕様
// - Capture: 単一カメラのライフサイクル管理。エンコーダーの種類は EncoderKind で切り替える
// - RpicamPipeline: rpicam-vid の標準出力を JPEG フレームに分割する
// - MockPipeline: テストパターン生成（開発・テスト用）
// - Stop は冪等で、シグナルによる終了時にも必ず呼ばれる前提
//
// # 前提要件
//   - rpicam-apps: 映像の取得とエンコードに使用
//     Raspberry Pi OS: sudo apt install rpicam-apps
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
