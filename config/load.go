package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"candle-relay/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env    string        `yaml:"env"`
	Broker BrokerConfig  `yaml:"broker"`
	Ingest IngestConfig  `yaml:"ingest"`
	Window WindowConfig  `yaml:"window"`
	HTTP   HTTPConfig    `yaml:"http"`
	Push   PushConfig    `yaml:"push"`
	Log    logger.Config `yaml:"log"`
	Alert  AlertConfig   `yaml:"alert"`
}

// BrokerConfig 行情源连接参数；Email/Password 建议通过环境变量注入。
type BrokerConfig struct {
	Email         string `yaml:"email"`
	Password      string `yaml:"password"`
	AuthURL       string `yaml:"authURL"`
	WSURL         string `yaml:"wsURL"`
	Channel       string `yaml:"channel"`
	InstrumentID  int    `yaml:"instrumentId"`
	PeriodSeconds int    `yaml:"periodSeconds"`
}

type IngestConfig struct {
	RetryDelay time.Duration `yaml:"retryDelay"` // 固定重连间隔，无指数退避
	TickBuffer int           `yaml:"tickBuffer"`
}

type WindowConfig struct {
	Capacity int    `yaml:"capacity"`
	Timezone string `yaml:"timezone"` // 时刻显示时区，空或 Local 使用系统时区
}

type HTTPConfig struct {
	Listen        string `yaml:"listen"`
	StaticDir     string `yaml:"staticDir"`
	MetricsListen string `yaml:"metricsListen"` // 留空则关闭
}

type PushConfig struct {
	SendQueue    int           `yaml:"sendQueue"`
	ReplayLatest bool          `yaml:"replayLatest"`
	WriteWait    time.Duration `yaml:"writeWait"`
	PongWait     time.Duration `yaml:"pongWait"`
}

type AlertConfig struct {
	Throttle   time.Duration `yaml:"throttle"`
	WebhookURL string        `yaml:"webhookURL"`
}

// Default 返回内置默认值；Load 在其基础上覆盖 YAML 中出现的字段。
func Default() AppConfig {
	return AppConfig{
		Env: "dev",
		Broker: BrokerConfig{
			AuthURL:       "https://auth.iqoption.com",
			WSURL:         "wss://ws.iqoption.com/echo/websocket",
			Channel:       "candle-generated",
			InstrumentID:  76,
			PeriodSeconds: 1,
		},
		Ingest: IngestConfig{
			RetryDelay: 5 * time.Second,
			TickBuffer: 256,
		},
		Window: WindowConfig{
			Capacity: 100,
			Timezone: "America/Sao_Paulo",
		},
		HTTP: HTTPConfig{
			Listen:        ":3000",
			MetricsListen: ":9100",
		},
		Push: PushConfig{
			SendQueue:    16,
			ReplayLatest: true,
			WriteWait:    2 * time.Second,
			PongWait:     60 * time.Second,
		},
		Log: logger.DefaultConfig(),
		Alert: AlertConfig{
			Throttle: time.Minute,
		},
	}
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
// Credentials may be absent from the file, so validation runs only after the overrides.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, Validate(cfg)
}

func read(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *AppConfig) {
	if v := os.Getenv("RELAY_BROKER_EMAIL"); v != "" {
		cfg.Broker.Email = v
	}
	if v := os.Getenv("RELAY_BROKER_PASSWORD"); v != "" {
		cfg.Broker.Password = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// LoadDotEnv 加载 .env 文件到进程环境变量，文件不存在时忽略。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Location 解析显示时区。
func (w WindowConfig) Location() (*time.Location, error) {
	if w.Timezone == "" || w.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(w.Timezone)
}
