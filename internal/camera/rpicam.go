package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	defaultRpicamBinary = "rpicam-vid"
	maxFrameSize        = 16 * 1024 * 1024 // 1フレームの上限
	stopGracePeriod     = 3 * time.Second  // SIGTERM後にKILLするまでの猶予
	stderrTailLines     = 8
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// RpicamPipeline はrpicam-vidを子プロセスとして起動し、標準出力のMJPEGをフレームに分割する
type RpicamPipeline struct {
	binary         string
	startupTimeout time.Duration
	logger         *zap.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	done   chan struct{} // 読み取りゴルーチン終了でクローズ
	stderr *tailBuffer
}

// NewRpicamPipeline は新しいRpicamPipelineを作成する
func NewRpicamPipeline(logger *zap.Logger, startupTimeout time.Duration) *RpicamPipeline {
	return &RpicamPipeline{
		binary:         defaultRpicamBinary,
		startupTimeout: startupTimeout,
		logger:         logger.Named("rpicam"),
	}
}

// Start はrpicam-vidを起動し、最初のフレームが届くまで待つ
func (p *RpicamPipeline) Start(ctx context.Context, cfg PipelineConfig, onFrame FrameHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return ErrAlreadyRecording
	}

	if cfg.TuningFile != "" {
		if _, err := os.Stat(cfg.TuningFile); err != nil {
			return newStartupError("チューニングファイルを読み込めません", err)
		}
	}

	path, err := exec.LookPath(p.binary)
	if err != nil {
		return newStartupError(p.binary+" が見つかりません", err)
	}

	args := buildRpicamArgs(cfg)
	cmd := exec.Command(path, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return newStartupError("stdoutパイプの作成に失敗", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return newStartupError("stderrパイプの作成に失敗", err)
	}

	p.logger.Info("rpicam-vidを起動します", zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		return newStartupError(p.binary+" の起動に失敗", err)
	}

	p.cmd = cmd
	p.done = make(chan struct{})
	p.stderr = newTailBuffer(stderrTailLines)
	first := make(chan struct{})

	go p.run(cmd, stdout, stderr, onFrame, first, p.done)

	timer := time.NewTimer(p.startupTimeout)
	defer timer.Stop()

	select {
	case <-first:
		return nil
	case <-p.done:
		// 最初のフレームを出してすぐ終了した場合も起動は成功している
		select {
		case <-first:
			return nil
		default:
		}
		p.cmd = nil
		return newStartupError(
			fmt.Sprintf("%s が最初のフレームの前に終了しました", p.binary),
			errors.New(p.stderr.String()),
		)
	case <-timer.C:
		p.terminate(context.Background())
		return newStartupError(
			fmt.Sprintf("%v 以内に最初のフレームが届きませんでした", p.startupTimeout),
			errors.New(p.stderr.String()),
		)
	case <-ctx.Done():
		p.terminate(context.Background())
		return ctx.Err()
	}
}

// Stop はrpicam-vidにSIGTERMを送り、終了を待つ
//
// 猶予期間内に終了しない場合は強制終了する。起動していなければ何もしない。
func (p *RpicamPipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil {
		return nil
	}
	return p.terminate(ctx)
}

// terminate は子プロセスを終了させる（ロック済み前提）
func (p *RpicamPipeline) terminate(ctx context.Context) error {
	cmd, done := p.cmd, p.done
	p.cmd = nil

	if err := cmd.Process.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("SIGTERMの送信に失敗", zap.Error(err))
	}

	grace := time.NewTimer(stopGracePeriod)
	defer grace.Stop()

	select {
	case <-done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	p.logger.Warn("rpicam-vidが終了しないため強制終了します")
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("rpicam-vidの強制終了に失敗: %w", err)
	}
	<-done
	return nil
}

// run は標準出力からJPEGフレームを読み取り、onFrame に渡す
func (p *RpicamPipeline) run(cmd *exec.Cmd, stdout, stderr io.Reader, onFrame FrameHandler, first, done chan struct{}) {
	defer close(done)

	// stderrは行単位でログに流す
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			p.stderr.Add(line)
			p.logger.Debug("rpicam-vid", zap.String("stderr", line))
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 512*1024), maxFrameSize)
	scanner.Split(splitJPEG)

	var once sync.Once
	for scanner.Scan() {
		// Scannerはバッファを再利用するためコピーしてから渡す
		token := scanner.Bytes()
		frame := make([]byte, len(token))
		copy(frame, token)

		onFrame(frame)
		once.Do(func() { close(first) })
	}
	if err := scanner.Err(); err != nil {
		p.logger.Error("フレーム読み取りエラー", zap.Error(err))
	}

	wg.Wait()
	if err := cmd.Wait(); err != nil {
		p.logger.Info("rpicam-vidが終了しました", zap.Error(err))
	}
}

// splitJPEG はMJPEGストリームをJPEGの開始マーカー(FF D8)と終了マーカー(FF D9)で分割する
//
// bufio.Scanner の SplitFunc として使う。開始マーカーより前のデータは捨てる。
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// 0xFFで途切れている可能性があるので最後の1バイトは残す
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}

	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}

	end += start + len(jpegSOI) + len(jpegEOI)
	return end, data[start:end], nil
}

// buildRpicamArgs はパイプライン設定をrpicam-vidの引数に変換する
func buildRpicamArgs(cfg PipelineConfig) []string {
	args := []string{
		"--nopreview",
		"--timeout", "0",
		"--width", strconv.Itoa(cfg.Resolution.Width),
		"--height", strconv.Itoa(cfg.Resolution.Height),
		"--framerate", strconv.Itoa(cfg.FrameRate),
		"--bitrate", strconv.Itoa(cfg.BitRate),
	}

	switch cfg.Encoder {
	case EncoderHardware:
		args = append(args, "--codec", "mjpeg")
	default:
		args = append(args, "--codec", "libav", "--libav-format", "mjpeg", "--libav-video-codec", "mjpeg")
	}

	if cfg.HFlip {
		args = append(args, "--hflip")
	}
	if cfg.VFlip {
		args = append(args, "--vflip")
	}

	if cfg.Controls.Metering != "" {
		args = append(args, "--metering", cfg.Controls.Metering)
	}
	if cfg.Controls.AutofocusMode != "" {
		args = append(args, "--autofocus-mode", cfg.Controls.AutofocusMode)
	}
	if cfg.Controls.HDRMode != "" {
		args = append(args, "--hdr", cfg.Controls.HDRMode)
	}
	if cfg.Controls.Denoise != "" {
		args = append(args, "--denoise", cfg.Controls.Denoise)
	}
	if cfg.TuningFile != "" {
		args = append(args, "--tuning-file", cfg.TuningFile)
	}

	return append(args, "--flush", "--output", "-")
}

// tailBuffer はstderrの末尾数行を保持する
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

// Add は1行追加する
func (b *tailBuffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

// String は保持している行を連結して返す
func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.lines) == 0 {
		return "stderr出力なし"
	}
	return strings.Join(b.lines, "; ")
}
