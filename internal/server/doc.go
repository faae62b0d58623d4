// Package server は、HTTPサーバーとキャプチャのライフサイクルを管理します。
//
// このパッケージは、リレー・カメラ・ストリームの各部品を組み立て、
// HTTPルーティングとグレースフルシャットダウンを担当します。
//
// 責務:
//   - 設定からパイプラインを選択し、Slot と Broadcaster を組み立てる
//   - キャプチャを開始してからリッスンを開始する
//   - MJPEGストリーム、ヘルスチェック、状態取得、スナップショットの配信
//   - WebSocket接続へのフレーム配信
//   - シグナル受信時のストリーム終了とカメラの解放
//
// 仕様:
//   - ルーティングは gin を使用
//   - WebSocketは gorilla/websocket を使用
//   - アクセスログは zap で出力
//   - 停止処理は何度呼ばれても1回だけ実行する
package server
