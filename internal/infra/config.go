package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации рекордера.
type Config struct {
	Watch    WatchConfig    `mapstructure:"watch"`
	Database DatabaseConfig `mapstructure:"database"`
	Hashing  HashingConfig  `mapstructure:"hashing"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Ops      OpsConfig      `mapstructure:"ops"`
	Server   ServerConfig   `mapstructure:"server"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// WatchConfig описывает наблюдаемый каталог и политику фильтрации.
type WatchConfig struct {
	Dir         string   `mapstructure:"dir"`
	Recursive   bool     `mapstructure:"recursive"`
	IncludeDirs bool     `mapstructure:"include_dirs"`
	Ignore      []string `mapstructure:"ignore"`
}

// DatabaseConfig описывает встраиваемое хранилище журнала.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// HashingConfig — политика вычисления контентных метаданных.
// Сами колонки sha256/file_size_bytes зарезервированы схемой всегда;
// здесь решается, заполнять ли их.
type HashingConfig struct {
	Enabled        bool  `mapstructure:"enabled"`
	MaxBytesPerSec int64 `mapstructure:"max_bytes_per_sec"` // 0 = без лимита
}

// PipelineConfig — очередь и дисциплина остановки конвейера.
type PipelineConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	RenameWindow time.Duration `mapstructure:"rename_window"`
}

// OpsConfig — локальный служебный листенер (/metrics, /healthz).
type OpsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ServerConfig описывает настройки HTTP-сервера console API.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. Переменные окружения перекрывают файл: WATCH_DIR=/tmp -> watch.dir
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("watch.recursive", true)
	v.SetDefault("watch.include_dirs", false)
	v.SetDefault("database.path", "data/fsaudit.db")
	v.SetDefault("hashing.enabled", true)
	v.SetDefault("hashing.max_bytes_per_sec", 0)
	v.SetDefault("pipeline.queue_size", 8192)
	v.SetDefault("pipeline.drain_timeout", 5*time.Second)
	v.SetDefault("pipeline.rename_window", 50*time.Millisecond)
	v.SetDefault("ops.addr", ":9090")
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}
