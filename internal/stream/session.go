package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"pimjpeg/internal/relay"
)

// State はセッションの状態
type State int

const (
	StateHandshaking State = iota // 応答ヘッダー送信前
	StateStreaming                // フレーム送信中
	StateClosed                   // 終了
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TransportError は接続単位の書き込み失敗を表す
//
// セッションだけを終了させ、Slot や他の接続には伝播しない。
type TransportError struct {
	Op  string // "handshake", "write", "flush"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stream: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Options はセッションの動作設定
type Options struct {
	// WriteTimeout は1パートの書き込み期限。0なら期限なし
	WriteTimeout time.Duration
}

// Session は1つのHTTP接続でMJPEGストリームを配信する
type Session struct {
	consumer *relay.Consumer
	w        http.ResponseWriter
	rc       *http.ResponseController
	opts     Options
	logger   *zap.Logger

	state     State
	deadlines bool
	buf       []byte
}

// NewSession はリクエストのコンテキストに結び付いたセッションを作成する
//
// クライアントが切断するとリクエストのコンテキストがキャンセルされ、待機中の受信が解放される。
func NewSession(w http.ResponseWriter, r *http.Request, b *relay.Broadcaster, opts Options, logger *zap.Logger) *Session {
	consumer := b.Subscribe(r.Context())

	return &Session{
		consumer:  consumer,
		w:         w,
		rc:        http.NewResponseController(w),
		opts:      opts,
		logger:    logger.With(zap.String("session", consumer.ID()), zap.String("remote", r.RemoteAddr)),
		state:     StateHandshaking,
		deadlines: opts.WriteTimeout > 0,
	}
}

// ID はセッションの識別子を返す
func (s *Session) ID() string {
	return s.consumer.ID()
}

// State は現在の状態を返す
func (s *Session) State() State {
	return s.state
}

// Run はハンドシェイク後、接続が閉じるまでフレームを書き続ける
//
// クライアントの切断やサーバーのシャットダウンによる終了では nil を返す。
// 書き込み失敗では *TransportError を返す。
func (s *Session) Run() error {
	defer s.close()

	if err := s.handshake(); err != nil {
		return err
	}

	s.logger.Info("ストリーミングを開始しました")
	for _, frame := range s.consumer.Frames() {
		if err := s.writeFrame(frame); err != nil {
			return err
		}
	}

	err := s.consumer.Err()
	if errors.Is(err, context.Canceled) || errors.Is(err, relay.ErrClosed) {
		return nil
	}
	return err
}

// handshake はストリーム応答のヘッダーを送信する
func (s *Session) handshake() error {
	header := s.w.Header()
	header.Set("Content-Type", ContentType)
	header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	header.Set("Pragma", "no-cache")
	header.Set("Access-Control-Allow-Origin", "*")
	header.Del("Content-Length")

	s.w.WriteHeader(http.StatusOK)
	if err := s.rc.Flush(); err != nil {
		return &TransportError{Op: "handshake", Err: err}
	}

	s.state = StateStreaming
	return nil
}

// writeFrame は1パートを1回の Write で書き込んでフラッシュする
func (s *Session) writeFrame(frame relay.Frame) error {
	s.buf = AppendPart(s.buf[:0], frame.Data)

	if s.deadlines {
		if err := s.rc.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			// 期限を設定できないライターでは期限なしで続ける
			s.logger.Debug("書き込み期限を設定できません", zap.Error(err))
			s.deadlines = false
		}
	}

	if _, err := s.w.Write(s.buf); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if err := s.rc.Flush(); err != nil {
		return &TransportError{Op: "flush", Err: err}
	}
	return nil
}

// close はコンシューマーを解放して統計をログに出す
func (s *Session) close() {
	s.consumer.Close()
	s.state = StateClosed

	stats := s.consumer.Stats()
	s.logger.Info("ストリーミングを終了しました",
		zap.Uint64("delivered", stats.Delivered),
		zap.Uint64("skipped", stats.Skipped),
		zap.Uint64("last_generation", stats.LastSeen),
	)
}
