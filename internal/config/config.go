package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"pimjpeg/internal/camera"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server ServerConfig    `yaml:"server"`
	Camera camera.Settings `yaml:"camera"`
	Log    LogConfig       `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"`                            // リッスンするホスト
	Port int    `yaml:"port" validate:"min=0,max=65535"` // リッスンするポート番号 (0 = 空きポート)

	// タイムアウト設定
	ReadTimeout        time.Duration `yaml:"read_timeout" validate:"gte=0"`         // 読み込みタイムアウト
	WriteTimeout       time.Duration `yaml:"write_timeout" validate:"gte=0"`        // 書き込みタイムアウト (ストリーミング用に0)
	StreamWriteTimeout time.Duration `yaml:"stream_write_timeout" validate:"gte=0"` // 1パートの書き込み期限
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`      // グレースフルシャットダウンの猶予
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8764,
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       0, // ストリーミング用にタイムアウト無効化
			StreamWriteTimeout: 10 * time.Second,
			ShutdownTimeout:    5 * time.Second,
		},
		Camera: camera.DefaultSettings(),
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load は設定を読み込む
//
// CONFIG_FILE が設定されていればそのYAMLを読み込み、その後に環境変数で上書きする。
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile は指定されたYAMLファイルと環境変数から設定を読み込む
//
// path が空ならデフォルト値に環境変数を適用する。
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() error {
	var errs []error

	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsInt("PORT", c.Server.Port, &errs)

	cam := &c.Camera
	cam.Width = getEnvAsInt("CAMERA_WIDTH", cam.Width, &errs)
	cam.Height = getEnvAsInt("CAMERA_HEIGHT", cam.Height, &errs)
	cam.FPS = getEnvAsInt("CAMERA_FPS", cam.FPS, &errs)
	cam.Quality = getEnvAsFloat("CAMERA_QUALITY", cam.Quality, &errs)
	cam.HFlip = getEnvAsBool("CAMERA_HFLIP", cam.HFlip, &errs)
	cam.VFlip = getEnvAsBool("CAMERA_VFLIP", cam.VFlip, &errs)
	cam.Autofocus = getEnvAsBool("CAMERA_AUTOFOCUS", cam.Autofocus, &errs)
	cam.HDR = getEnvAsBool("CAMERA_HDR", cam.HDR, &errs)
	cam.Encoder = camera.EncoderKind(getEnvOrDefault("CAMERA_ENCODER", string(cam.Encoder)))
	cam.TuningFile = getEnvOrDefault("CAMERA_TUNING_FILE", cam.TuningFile)
	cam.Source = camera.SourceKind(getEnvOrDefault("CAMERA_SOURCE", string(cam.Source)))

	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvOrDefault("LOG_FORMAT", c.Log.Format)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("環境変数の解析に失敗: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("無効な設定値 %s=%v (%s)", fe.Namespace(), fe.Value(), fe.Tag())
		}
		return err
	}
	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得する
func getEnvAsInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}

// getEnvAsFloat は環境変数を浮動小数点数として取得する
func getEnvAsFloat(key string, defaultValue float64, errs *[]error) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}

// getEnvAsBool は環境変数を真偽値として取得する
func getEnvAsBool(key string, defaultValue bool, errs *[]error) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}
