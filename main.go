package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"pimjpeg/internal/config"
	"pimjpeg/internal/logging"
	"pimjpeg/internal/server"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ロガーの作成に失敗しました: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("サーバーの起動に失敗しました", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// サーバーを作成
	srv, err := server.Build(cfg, logger)
	if err != nil {
		return err
	}

	// サーバーを起動
	return srv.Start(context.Background())
}
