// Package main はpimjpegサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"pimjpeg/internal/camera"
	"pimjpeg/internal/config"
	"pimjpeg/internal/logging"
	"pimjpeg/internal/server"
)

func main() {
	// コマンドラインオプション
	var (
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8764)")
		configFile = flag.String("config", "", "設定ファイルのパス (デフォルト: $CONFIG_FILE)")
		source     = flag.String("source", "", "フレーム供給元 rpicam / test")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("pimjpeg - Raspberry Pi カメラ MJPEG 配信サーバー")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	path := *configFile
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *source != "" {
		cfg.Camera.Source = camera.SourceKind(*source)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "設定の検証に失敗しました: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ロガーの作成に失敗しました: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// サーバーを作成
	srv, err := server.Build(cfg, logger)
	if err != nil {
		logger.Error("サーバーの作成に失敗しました", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	// サーバーを起動
	logger.Info("pimjpeg サーバーを起動します",
		zap.String("addr", cfg.ServerAddress()),
		zap.String("source", string(cfg.Camera.Source)),
	)
	if err := srv.Start(context.Background()); err != nil {
		logger.Error("サーバーの起動に失敗しました", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
