package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	DB        DBConfig        `mapstructure:"db"`
	Download  DownloadConfig  `mapstructure:"download"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Lister    ListerConfig    `mapstructure:"lister"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token" validate:"required"`
	// APIRate caps outbound Bot API requests per second.
	APIRate float64 `mapstructure:"api_rate" validate:"gt=0"`
}

type DBConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type DownloadConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

type ToolsConfig struct {
	SCDL    string        `mapstructure:"scdl" validate:"required"`
	FFmpeg  string        `mapstructure:"ffmpeg" validate:"required"`
	YTDLP   string        `mapstructure:"ytdlp" validate:"required"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type SchedulerConfig struct {
	Interval     time.Duration `mapstructure:"interval" validate:"gt=0"`
	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"gte=0"`
	UserPacing   time.Duration `mapstructure:"user_pacing" validate:"gte=0"`
}

type SyncConfig struct {
	ItemPacing time.Duration `mapstructure:"item_pacing" validate:"gte=0"`
}

type ListerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold" validate:"gte=1"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" validate:"gt=0"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port" validate:"required"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// Addr is the listen address of the metrics and health server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.api_rate", 25)
	v.SetDefault("db.path", "./data/likesync.db")
	v.SetDefault("download.dir", "./data/downloads")

	v.SetDefault("tools.scdl", "scdl")
	v.SetDefault("tools.ffmpeg", "ffmpeg")
	v.SetDefault("tools.ytdlp", "yt-dlp")
	v.SetDefault("tools.timeout", 5*time.Minute)

	v.SetDefault("scheduler.interval", 10*time.Minute)
	v.SetDefault("scheduler.initial_delay", time.Minute)
	v.SetDefault("scheduler.user_pacing", 30*time.Second)
	v.SetDefault("sync.item_pacing", 3*time.Second)

	v.SetDefault("lister.failure_threshold", 3)
	v.SetDefault("lister.open_timeout", 5*time.Minute)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", "9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads .env, config.yaml and the environment into a validated Config.
// Environment variables use the key with dots replaced, e.g. TELEGRAM_TOKEN.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found, using defaults and environment variables")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only applies to keys viper already knows about
	v.BindEnv("telegram.token")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Info().Msg("config file not found, using defaults and environment variables")
	} else {
		log.Info().Str("file", v.ConfigFileUsed()).Msg("using config file")
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			missing := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				missing = append(missing, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return nil, fmt.Errorf("invalid configuration: %s", strings.Join(missing, ", "))
		}
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
