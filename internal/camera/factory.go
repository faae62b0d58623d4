package camera

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// PipelineCreator はパイプライン作成関数の型
type PipelineCreator func(settings Settings, logger *zap.Logger) (Pipeline, error)

// PipelineFactory はフレーム供給元ごとのパイプラインを作成する
type PipelineFactory struct {
	creators map[SourceKind]PipelineCreator
}

// NewPipelineFactory は標準の供給元を登録したファクトリーを作成する
func NewPipelineFactory() *PipelineFactory {
	factory := &PipelineFactory{
		creators: make(map[SourceKind]PipelineCreator),
	}

	// カメラモジュール
	factory.Register(SourceRpicam, func(settings Settings, logger *zap.Logger) (Pipeline, error) {
		return NewRpicamPipeline(logger, settings.StartupTimeout), nil
	})

	// テストパターン
	factory.Register(SourceTest, func(Settings, *zap.Logger) (Pipeline, error) {
		return NewMockPipeline(), nil
	})

	return factory
}

// Register は作成関数を登録する
func (f *PipelineFactory) Register(kind SourceKind, creator PipelineCreator) {
	f.creators[kind] = creator
}

// Create は設定された供給元のパイプラインを作成する
func (f *PipelineFactory) Create(settings Settings, logger *zap.Logger) (Pipeline, error) {
	creator, exists := f.creators[settings.Source]
	if !exists {
		return nil, fmt.Errorf("サポートされていないフレーム供給元: %s", settings.Source)
	}
	return creator(settings, logger)
}

// SupportedSources は登録済みの供給元を返す
func (f *PipelineFactory) SupportedSources() []SourceKind {
	kinds := make([]SourceKind, 0, len(f.creators))
	for kind := range f.creators {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
