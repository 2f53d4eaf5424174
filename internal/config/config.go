package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	GRPC     GRPCConfig
	Database DatabaseConfig
	Storage  StorageConfig
	Auth     AuthConfig
	Realtime RealtimeConfig
	Redis    RedisConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Host            string
	Port            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type GRPCConfig struct {
	Enabled           bool
	Port              string
	ReflectionEnabled bool
	ShutdownTimeout   time.Duration
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN renders the lib/pq connection URL.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	return u.String()
}

type StorageConfig struct {
	Driver string

	// MemoryUsers seeds the user directory when Driver is "memory".
	MemoryUsers []MemoryUser
}

type MemoryUser struct {
	ID             string `mapstructure:"id"`
	Name           string `mapstructure:"name"`
	Email          string `mapstructure:"email"`
	ProfilePicture string `mapstructure:"profile_picture"`
}

type AuthConfig struct {
	JWTSecret string
}

type RealtimeConfig struct {
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	RequestTimeout time.Duration
}

type RedisConfig struct {
	URL     string
	Channel string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "5000")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.port", "50055")
	v.SetDefault("grpc.reflection_enabled", false)
	v.SetDefault("grpc.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "erasmusly")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("storage.driver", "postgres")

	v.SetDefault("realtime.idle_timeout", 60*time.Second)
	v.SetDefault("realtime.write_timeout", 10*time.Second)
	v.SetDefault("realtime.send_buffer", 128)
	v.SetDefault("realtime.request_timeout", 5*time.Second)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.channel", "chat:messages")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads .env, then config.yaml from configPaths (optional), then the
// environment. DATABASE_HOST overrides database.host and so on.
func Load(configPaths ...string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(configPaths) == 0 {
		configPaths = []string{"./config", "/app/config"}
	}
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            firstNonEmpty(v.GetString("port"), v.GetString("server.port")),
			AllowedOrigins:  allowedOrigins(v),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		GRPC: GRPCConfig{
			Enabled:           v.GetBool("grpc.enabled"),
			Port:              v.GetString("grpc.port"),
			ReflectionEnabled: v.GetBool("grpc.reflection_enabled"),
			ShutdownTimeout:   v.GetDuration("grpc.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(v.GetString("storage.driver")),
		},
		Auth: AuthConfig{
			JWTSecret: firstNonEmpty(v.GetString("auth.jwt_secret"), v.GetString("jwt_secret")),
		},
		Realtime: RealtimeConfig{
			IdleTimeout:    v.GetDuration("realtime.idle_timeout"),
			WriteTimeout:   v.GetDuration("realtime.write_timeout"),
			SendBuffer:     v.GetInt("realtime.send_buffer"),
			RequestTimeout: v.GetDuration("realtime.request_timeout"),
		},
		Redis: RedisConfig{
			URL:     v.GetString("redis.url"),
			Channel: v.GetString("redis.channel"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
	}

	if err := v.UnmarshalKey("storage.memory_users", &cfg.Storage.MemoryUsers); err != nil {
		return nil, fmt.Errorf("read storage.memory_users: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("config: auth.jwt_secret (JWT_SECRET) is required")
	}
	switch c.Storage.Driver {
	case "postgres":
	case "memory":
		if len(c.Storage.MemoryUsers) == 0 {
			return errors.New("config: storage.memory_users is required with the memory driver")
		}
		seen := make(map[string]struct{}, len(c.Storage.MemoryUsers))
		for i, u := range c.Storage.MemoryUsers {
			id := strings.TrimSpace(u.ID)
			if id == "" {
				return fmt.Errorf("config: storage.memory_users[%d] has no id", i)
			}
			if _, ok := seen[id]; ok {
				return fmt.Errorf("config: storage.memory_users has duplicate id %q", id)
			}
			seen[id] = struct{}{}
		}
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Realtime.IdleTimeout <= 0 {
		return errors.New("config: realtime.idle_timeout must be positive")
	}
	return nil
}

// allowedOrigins merges server.allowed_origins with FRONTEND_URL.
func allowedOrigins(v *viper.Viper) []string {
	origins := v.GetStringSlice("server.allowed_origins")
	if frontend := strings.TrimSpace(v.GetString("frontend_url")); frontend != "" {
		origins = append([]string{frontend}, origins...)
	}

	seen := make(map[string]struct{}, len(origins))
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
