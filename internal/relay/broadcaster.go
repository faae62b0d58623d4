package relay

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Broadcaster はSlotの更新を接続ごとのコンシューマーへ配る
//
// 共有する可変状態は Slot だけで、世代番号の管理は各 Consumer が持つ。
type Broadcaster struct {
	slot   *Slot
	active atomic.Int64
}

// NewBroadcaster は指定されたSlotを読むBroadcasterを作成する
func NewBroadcaster(slot *Slot) *Broadcaster {
	return &Broadcaster{slot: slot}
}

// Subscribe は新しいコンシューマーを作成する
//
// コンシューマーの寿命は ctx に結び付けられ、ctx のキャンセルか
// Close の呼び出しで待機中の Next が解放される。
func (b *Broadcaster) Subscribe(ctx context.Context) *Consumer {
	ctx, cancel := context.WithCancel(ctx)
	b.active.Add(1)

	return &Consumer{
		id:     uuid.New().String(),
		slot:   b.slot,
		ctx:    ctx,
		cancel: cancel,
		onClose: func() {
			b.active.Add(-1)
		},
	}
}

// Active は現在開いているコンシューマー数を返す
func (b *Broadcaster) Active() int {
	return int(b.active.Load())
}

// Generation は中継中の最新世代番号を返す
func (b *Broadcaster) Generation() uint64 {
	return b.slot.Generation()
}

// ConsumerStats はコンシューマー単位の配信統計
type ConsumerStats struct {
	LastSeen  uint64 // 最後に配信した世代番号
	Delivered uint64 // 配信したフレーム数
	Skipped   uint64 // 追いつけずに飛ばした世代数
}

// Consumer は1接続分の配信状態を保持する
//
// Next と Frames は単一のゴルーチンから呼ぶこと。Close はどこからでも呼べる。
type Consumer struct {
	id     string
	slot   *Slot
	ctx    context.Context
	cancel context.CancelFunc

	lastSeen  uint64
	delivered uint64
	skipped   uint64
	err       error

	closeOnce sync.Once
	onClose   func()
}

// ID はコンシューマーの識別子を返す
func (c *Consumer) ID() string {
	return c.id
}

// Next は前回より新しい世代のフレームが届くまでブロックして返す
//
// 返した世代番号は必ず前回より大きい。途中の世代を飛ばした場合は Skipped に加算する。
func (c *Consumer) Next() (Frame, uint64, error) {
	// クローズ後は新しいフレームがあっても返さない
	if err := c.ctx.Err(); err != nil {
		c.err = err
		return Frame{}, c.lastSeen, err
	}

	frame, gen, err := c.slot.WaitForNext(c.ctx, c.lastSeen)
	if err != nil {
		c.err = err
		return Frame{}, c.lastSeen, err
	}

	if c.lastSeen > 0 && gen > c.lastSeen+1 {
		c.skipped += gen - c.lastSeen - 1
	}
	c.lastSeen = gen
	c.delivered++

	return frame, gen, nil
}

// Frames は世代番号とフレームの無限シーケンスを返す
//
// 再開はできない。コンシューマーかSlotがクローズされると終了し、理由は Err で取得できる。
// range ループを途中で抜けても待機は残らない。
func (c *Consumer) Frames() iter.Seq2[uint64, Frame] {
	return func(yield func(uint64, Frame) bool) {
		for {
			frame, gen, err := c.Next()
			if err != nil {
				return
			}
			if !yield(gen, frame) {
				return
			}
		}
	}
}

// Err はシーケンスが終了した理由を返す
func (c *Consumer) Err() error {
	return c.err
}

// Stats は配信統計を返す
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		LastSeen:  c.lastSeen,
		Delivered: c.delivered,
		Skipped:   c.skipped,
	}
}

// Close はコンシューマーを解放し、待機中の Next を起こす
//
// 複数回呼んでも安全。
func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.onClose != nil {
			c.onClose()
		}
	})
}
