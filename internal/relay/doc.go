// Package relay は、最新フレームを複数のクライアントへ配信する中継層です。
//
// # 責務
//   - エンコーダーから届いた最新のJPEGフレームを1枚だけ保持する (Slot)
//   - 接続ごとのコンシューマーに世代番号つきでフレームを配る (Broadcaster)
//   - コンシューマーのキャンセルで待機中のゴルーチンを確実に解放する
//
// # 仕様
//   - 書き込みは単一のプロデューサーのみ、読み込みは任意数のコンシューマー
//   - 世代番号は Publish ごとに単調増加し、0 は「まだフレームなし」を表す
//   - 遅いコンシューマーは途中の世代を飛ばし、常に最新フレームを受け取る
//   - 同じコンシューマーが同じ世代を2回受け取ることはない
//   - Publish は待機中のコンシューマー数に関係なくブロックしない
package relay
