package relay

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed はSlotがクローズ済みであることを表す
var ErrClosed = errors.New("relay: slot closed")

// Slot は最新フレームと世代番号を保持する同期済みのホルダー
//
// 書き込みは Publish のみ、読み込みは WaitForNext のみを経由する。
// frame と generation に直接触れるコードパスは他に存在しない。
type Slot struct {
	mu         sync.Mutex
	cond       *sync.Cond
	frame      Frame
	generation uint64 // 0 = フレームなし
	closed     bool
}

// NewSlot は空のSlotを作成する
func NewSlot() *Slot {
	s := &Slot{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Publish は現在のフレームを置き換え、世代番号を進めて全ての待機者を起こす
//
// カメラのフレームコールバックから呼ばれるため、待機者の数に関係なく
// 短いロック保持だけで戻る。クローズ後の呼び出しは何もしない。
func (s *Slot) Publish(frame Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.publishLocked(frame)
}

// publishLocked は s.mu を保持した状態で Publish の本体を行う
func (s *Slot) publishLocked(frame Frame) {
	if s.closed {
		return
	}

	s.frame = frame
	s.generation++

	// 待機者はそれぞれ自分の lastSeen と世代番号を比較し直す
	s.cond.Broadcast()
}

// WaitForNext は世代番号が lastSeen より大きくなるまでブロックし、
// その時点の最新フレームと世代番号を返す
//
// 起床が遅れて世代がさらに進んでいた場合も、途中の世代ではなく最新を返す。
// ctx がキャンセルされると ctx.Err() を、Slot がクローズされると ErrClosed を返す。
func (s *Slot) WaitForNext(ctx context.Context, lastSeen uint64) (Frame, uint64, error) {
	// キャンセル時にこの待機者を確実に起こす
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.generation <= lastSeen {
		if s.closed {
			return Frame{}, lastSeen, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Frame{}, lastSeen, err
		}
		s.cond.Wait()
	}

	if s.closed {
		return Frame{}, lastSeen, ErrClosed
	}

	return s.frame, s.generation, nil
}

// Generation は現在の世代番号を返す（状態表示用）
func (s *Slot) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Close はSlotをクローズし、全ての待機者を解放する
//
// サーバーのシャットダウン時に呼ぶ。複数回呼んでも安全。
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.frame = Frame{}
	s.cond.Broadcast()
}
