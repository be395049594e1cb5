package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	AppEnvDev  = "development"
	AppEnvProd = "production"
)

type Config struct {
	App      AppConfig
	DB       DBConfig
	Auth     AuthConfig
	Redis    RedisConfig
	Realtime RealtimeConfig
	Notify   NotifyConfig
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env         string `envconfig:"ENV" default:"development"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	PostgresConnStr string        `envconfig:"POSTGRES_CONN_STR" required:"true"`
	MongoURI        string        `envconfig:"MONGO_URI" required:"true"`
	MongoDatabase   string        `envconfig:"MONGO_DATABASE" default:"nano_social"`
	ConnectTimeout  time.Duration `envconfig:"DB_CONNECT_TIMEOUT" default:"10s"`
}

type AuthConfig struct {
	JWTSecret               string        `envconfig:"JWT_SECRET" required:"true"`
	JWTTTL                  time.Duration `envconfig:"JWT_TTL" default:"72h"`
	FirebaseCredentialsPath string        `envconfig:"FIREBASE_CREDENTIALS_PATH"`
}

// FirebaseEnabled reports whether Firebase ID tokens are accepted.
func (a AuthConfig) FirebaseEnabled() bool {
	return strings.TrimSpace(a.FirebaseCredentialsPath) != ""
}

type RedisConfig struct {
	URL string `envconfig:"REDIS_URL"`
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != ""
}

type RealtimeConfig struct {
	Path            string        `envconfig:"WS_PATH" default:"/ws/notifications"`
	PongTimeout     time.Duration `envconfig:"WS_PONG_TIMEOUT" default:"75s"`
	SendBuffer      int           `envconfig:"WS_SEND_BUFFER" default:"32"`
	HandshakeLimit  int64         `envconfig:"WS_HANDSHAKE_LIMIT" default:"20"`
	HandshakeWindow time.Duration `envconfig:"WS_HANDSHAKE_WINDOW" default:"1m"`
	// TrustProxy keys the handshake limit on X-Forwarded-For.
	TrustProxy      bool          `envconfig:"WS_TRUST_PROXY" default:"false"`
}

type NotifyConfig struct {
	DedupeWindow      time.Duration `envconfig:"NOTIFY_DEDUPE_WINDOW" default:"1h"`
	FanoutConcurrency int           `envconfig:"NOTIFY_FANOUT_CONCURRENCY" default:"8"`
	// Retention of 0 disables the sweep.
	Retention         time.Duration `envconfig:"NOTIFY_RETENTION" default:"720h"`
	RetentionInterval time.Duration `envconfig:"NOTIFY_RETENTION_INTERVAL" default:"1h"`
}

func (c *Config) validate() error {
	var problems []string
	if !strings.HasPrefix(c.Realtime.Path, "/") {
		problems = append(problems, "WS_PATH must start with /")
	}
	if c.Realtime.PongTimeout <= 0 {
		problems = append(problems, "WS_PONG_TIMEOUT must be positive")
	}
	if c.Realtime.SendBuffer <= 0 {
		problems = append(problems, "WS_SEND_BUFFER must be positive")
	}
	if c.Notify.DedupeWindow <= 0 {
		problems = append(problems, "NOTIFY_DEDUPE_WINDOW must be positive")
	}
	if c.Notify.FanoutConcurrency <= 0 {
		problems = append(problems, "NOTIFY_FANOUT_CONCURRENCY must be positive")
	}
	if c.Notify.Retention < 0 {
		problems = append(problems, "NOTIFY_RETENTION must not be negative")
	}
	if c.Auth.JWTTTL <= 0 {
		problems = append(problems, "JWT_TTL must be positive")
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}
