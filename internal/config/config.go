// Package config loads runtime configuration for the chat server. Values come
// from Default(), then an optional YAML file named by CONFIG_PATH, then the
// process environment (after an optional .env file), in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Chat      ChatConfig      `yaml:"chat"`
	Assistant AssistantConfig `yaml:"assistant"`
	Media     MediaConfig     `yaml:"media"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	Name           string        `yaml:"name"`
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	CORSOrigins    []string      `yaml:"cors_origins"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"` // empty disables presence and flood control
}

type NATSConfig struct {
	URL string `yaml:"url"` // empty disables room events
}

type StoreConfig struct {
	Backend       string `yaml:"backend"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
	AppendRetries int    `yaml:"append_retries"`
}

type ChatConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	HistoryWindow     int           `yaml:"history_window"`
	SpamFilter        bool          `yaml:"spam_filter"` // also block links, phone numbers and flooding
}

type AssistantConfig struct {
	APIKey    string        `yaml:"api_key"` // empty disables the assistant
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

type MediaConfig struct {
	Bucket string `yaml:"bucket"` // empty keeps payloads inline
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`
}

type LogConfig struct {
	Env     string `yaml:"env"`
	Backend string `yaml:"backend"`
	Debug   bool   `yaml:"debug"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:     ":5000",
			WorkerPoolSize: 256,
			MaxConnections: 100000,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			CORSOrigins:    []string{"*"},
		},
		Store: StoreConfig{
			Backend:       BackendMemory,
			MongoDatabase: "emochat",
			AppendRetries: 3,
		},
		Chat: ChatConfig{
			InactivityTimeout: 30 * time.Second,
			HistoryWindow:     10,
		},
		Assistant: AssistantConfig{
			Model:     "gpt-3.5-turbo",
			MaxTokens: 60,
			Timeout:   15 * time.Second,
		},
		Media: MediaConfig{
			Prefix: "media/",
		},
		Log: LogConfig{
			Env: "dev",
		},
	}
}

// Load assembles the configuration and validates it.
func Load() (*Config, error) {
	// A missing .env file is the normal case outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.ListenAddr = getEnv("LISTEN_ADDR", c.Server.ListenAddr)
	if port, ok := os.LookupEnv("PORT"); ok && os.Getenv("LISTEN_ADDR") == "" {
		c.Server.ListenAddr = ":" + strings.TrimPrefix(port, ":")
	}
	c.Server.Name = getEnv("SERVER_NAME", c.Server.Name)
	c.Server.WorkerPoolSize = getEnvInt("WORKER_POOL_SIZE", c.Server.WorkerPoolSize)
	c.Server.MaxConnections = getEnvInt("MAX_CONNECTIONS", c.Server.MaxConnections)
	c.Server.ReadTimeout = getEnvDuration("READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.CORSOrigins = getEnvList("CORS_ORIGINS", c.Server.CORSOrigins)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)

	c.Store.Backend = getEnv("STORE_BACKEND", c.Store.Backend)
	c.Store.PostgresDSN = getEnv("POSTGRES_DSN", c.Store.PostgresDSN)
	c.Store.MongoURI = getEnv("MONGODB_URI", c.Store.MongoURI)
	c.Store.MongoDatabase = getEnv("MONGODB_DATABASE", c.Store.MongoDatabase)
	c.Store.AppendRetries = getEnvInt("STORE_APPEND_RETRIES", c.Store.AppendRetries)

	c.Chat.InactivityTimeout = getEnvDuration("INACTIVITY_TIMEOUT", c.Chat.InactivityTimeout)
	c.Chat.HistoryWindow = getEnvInt("HISTORY_WINDOW", c.Chat.HistoryWindow)
	c.Chat.SpamFilter = getEnvBool("SPAM_FILTER", c.Chat.SpamFilter)

	c.Assistant.APIKey = getEnv("OPENAI_API_KEY", c.Assistant.APIKey)
	c.Assistant.Model = getEnv("OPENAI_MODEL", c.Assistant.Model)
	c.Assistant.MaxTokens = getEnvInt("OPENAI_MAX_TOKENS", c.Assistant.MaxTokens)
	c.Assistant.Timeout = getEnvDuration("OPENAI_TIMEOUT", c.Assistant.Timeout)

	c.Media.Bucket = getEnv("MEDIA_BUCKET", c.Media.Bucket)
	c.Media.Region = getEnv("AWS_REGION", c.Media.Region)
	c.Media.Prefix = getEnv("MEDIA_PREFIX", c.Media.Prefix)

	c.Log.Env = getEnv("APP_ENV", c.Log.Env)
	c.Log.Backend = getEnv("LOG_BACKEND", c.Log.Backend)
	c.Log.Debug = getEnvBool("LOG_DEBUG", c.Log.Debug)
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR cannot be empty")
	}
	if c.Server.WorkerPoolSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be > 0")
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0")
	}
	if c.Chat.InactivityTimeout <= 0 {
		return fmt.Errorf("INACTIVITY_TIMEOUT must be > 0")
	}
	if c.Chat.HistoryWindow <= 0 {
		return fmt.Errorf("HISTORY_WINDOW must be > 0")
	}
	if c.Store.AppendRetries <= 0 {
		return fmt.Errorf("STORE_APPEND_RETRIES must be > 0")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres store")
		}
	case BackendMongo:
		if c.Store.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI is required for the mongo store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}

	if c.Assistant.APIKey != "" && c.Assistant.MaxTokens <= 0 {
		return fmt.Errorf("OPENAI_MAX_TOKENS must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("30s") or bare milliseconds ("30000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
