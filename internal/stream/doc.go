// Package stream は1接続分のMJPEGストリーミングを担う
//
// 応答ヘッダーは multipart/x-mixed-replace; boundary=frame で、
// フレームごとに境界・Content-Type・Content-Length・JPEG本体を1パートとして書き込む。
// 書き込みに失敗した接続はその場で終了し、他の接続やカメラには影響しない。
package stream
