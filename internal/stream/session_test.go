package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"pimjpeg/internal/relay"
)

// recordingWriter はフラッシュ回数と書き込み内容を記録するResponseWriter
type recordingWriter struct {
	mu      sync.Mutex
	header  http.Header
	status  int
	buf     bytes.Buffer
	writes  int
	flushes int
	failAt  int // この回数目の Write で失敗する。0なら失敗しない
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{header: make(http.Header)}
}

func (w *recordingWriter) Header() http.Header {
	return w.header
}

func (w *recordingWriter) WriteHeader(status int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.failAt > 0 && w.writes >= w.failAt {
		return 0, errors.New("broken pipe")
	}
	return w.buf.Write(p)
}

func (w *recordingWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
}

func (w *recordingWriter) snapshot() (writes, flushes int, data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes, w.flushes, bytes.Clone(w.buf.Bytes())
}

func TestSession_Handshake(t *testing.T) {
	slot := relay.NewSlot()
	b := relay.NewBroadcaster(slot)

	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	w := newRecordingWriter()
	w.header.Set("Content-Length", "100")

	session := NewSession(w, r, b, Options{}, zap.NewNop())
	if session.State() != StateHandshaking {
		t.Errorf("Expected handshaking, got %s", session.State())
	}

	done := make(chan error, 1)
	go func() { done <- session.Run() }()

	// フレームがなくてもヘッダーはすぐにフラッシュされる
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, flushes, _ := w.snapshot(); flushes > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, flushes, _ := w.snapshot(); flushes == 0 {
		t.Fatal("Expected headers to be flushed before the first frame")
	}

	if ct := w.header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Errorf("Unexpected Content-Type: %q", ct)
	}
	if cl := w.header.Get("Content-Length"); cl != "" {
		t.Errorf("Expected no Content-Length, got %q", cl)
	}
	if w.status != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil on client disconnect, got %v", err)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Session did not end after client disconnect")
	}
	if session.State() != StateClosed {
		t.Errorf("Expected closed, got %s", session.State())
	}
	if b.Active() != 0 {
		t.Errorf("Expected no active consumers, got %d", b.Active())
	}
}

func TestSession_WritesOnePartPerFrame(t *testing.T) {
	slot := relay.NewSlot()
	b := relay.NewBroadcaster(slot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	w := newRecordingWriter()

	session := NewSession(w, r, b, Options{WriteTimeout: time.Second}, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- session.Run() }()

	frames := [][]byte{
		{0xFF, 0xD8, 0x01, 0xFF, 0xD9},
		{0xFF, 0xD8, 0x02, 0x02, 0xFF, 0xD9},
		{0xFF, 0xD8, 0x03, 0x03, 0x03, 0xFF, 0xD9},
	}
	var want []byte
	for _, f := range frames {
		slot.Publish(relay.NewFrame(f))
		want = AppendPart(want, f)

		// 1フレームずつ届くのを待つ
		expected := len(want)
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if _, _, data := w.snapshot(); len(data) >= expected {
				break
			}
			time.Sleep(2 * time.Millisecond)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	writes, flushes, data := w.snapshot()
	if !bytes.Equal(data, want) {
		t.Errorf("Stream mismatch:\n got %q\nwant %q", data, want)
	}
	if writes != len(frames) {
		t.Errorf("Expected one write per frame, got %d writes", writes)
	}
	// ハンドシェイク分 + フレームごと
	if flushes != len(frames)+1 {
		t.Errorf("Expected %d flushes, got %d", len(frames)+1, flushes)
	}
}

func TestSession_WriteFailureEndsSession(t *testing.T) {
	slot := relay.NewSlot()
	b := relay.NewBroadcaster(slot)
	slot.Publish(relay.NewFrame([]byte{0xFF, 0xD8, 0xFF, 0xD9}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := newRecordingWriter()
	w.failAt = 1

	other := b.Subscribe(context.Background())
	defer other.Close()

	err := NewSession(w, r, b, Options{}, zap.NewNop()).Run()

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Expected *TransportError, got %v", err)
	}
	if transportErr.Op != "write" {
		t.Errorf("Expected write op, got %q", transportErr.Op)
	}
	if b.Active() != 1 {
		t.Errorf("Expected only the other consumer to remain, got %d", b.Active())
	}

	// 他のコンシューマーとSlotは影響を受けない
	slot.Publish(relay.NewFrame([]byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}))
	if _, gen, err := other.Next(); err != nil || gen != 2 {
		t.Errorf("Expected other consumer to keep receiving, got gen=%d err=%v", gen, err)
	}
}

func TestSession_SlotClosedEndsSession(t *testing.T) {
	slot := relay.NewSlot()
	b := relay.NewBroadcaster(slot)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := newRecordingWriter()

	done := make(chan error, 1)
	go func() { done <- NewSession(w, r, b, Options{}, zap.NewNop()).Run() }()

	time.Sleep(20 * time.Millisecond)
	slot.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil on shutdown, got %v", err)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Session did not end after slot close")
	}
}

// TestSession_HTTP は実際のHTTP接続でmultipartとして読めることを確認する
func TestSession_HTTP(t *testing.T) {
	slot := relay.NewSlot()
	b := relay.NewBroadcaster(slot)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = NewSession(w, r, b, Options{WriteTimeout: time.Second}, zap.NewNop()).Run()
	}))
	defer ts.Close()
	defer slot.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.ContentLength != -1 {
		t.Errorf("Expected unknown content length, got %d", resp.ContentLength)
	}

	payload := bytes.Repeat([]byte{0x42}, 12345)
	go func() {
		// 接続の登録を待ってから配信する
		for b.Active() == 0 {
			time.Sleep(time.Millisecond)
		}
		slot.Publish(relay.NewFrame(payload))
	}()

	reader := multipart.NewReader(resp.Body, Boundary)
	part, err := reader.NextPart()
	if err != nil {
		t.Fatalf("NextPart failed: %v", err)
	}
	if cl := part.Header.Get("Content-Length"); cl != "12345" {
		t.Errorf("Expected Content-Length 12345, got %q", cl)
	}
	data, err := io.ReadAll(io.LimitReader(part, 12345))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("Payload mismatch")
	}
}
