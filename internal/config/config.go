package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service. Values are read
// from a JSON file; a .env file and process environment may override the
// server-level fields (see applyEnv).
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Synthesis   SynthesisConfig           `json:"synthesis"`
	Transcribe  TranscribeConfig          `json:"transcribe"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	AudioDir      string `json:"audio_dir"`
	Environment   string `json:"environment"` // "development" or "production"
	Provider      string `json:"provider"`    // key into Providers

	MinWorkers        int `json:"min_workers"`
	MaxWorkers        int `json:"max_workers"`
	QueueSize         int `json:"queue_size"`
	WorkerIdleTimeout int `json:"worker_idle_timeout"` // minutes

	RelayTimeout int `json:"relay_timeout"` // seconds
	PollLimit    int `json:"poll_limit"`
	HistoryLimit int `json:"history_limit"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// SynthesisConfig describes the external text-to-speech command. Args are
// expanded per run: {text}, {voice} and {output} are replaced with the
// utterance text, configured voice and target file path.
type SynthesisConfig struct {
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	Voice          string   `json:"voice"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// TranscribeConfig describes the external speech-to-text command. The command
// receives the normalized WAV path via {input} and must print the transcript
// on stdout.
type TranscribeConfig struct {
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	FFmpegPath     string   `json:"ffmpeg_path"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// Load reads configuration from the provided path (defaults to config.json),
// then overlays environment variables. A .env file next to the process is
// loaded first if present; missing .env is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}

	if sqliteCfg, ok := cfg.Databases["sqlite3"]; ok && sqliteCfg.DSN != "" &&
		sqliteCfg.DSN != ":memory:" && !filepath.IsAbs(sqliteCfg.DSN) {
		sqliteCfg.DSN = filepath.Join(filepath.Dir(absPath), sqliteCfg.DSN)
		cfg.Databases["sqlite3"] = sqliteCfg
	}

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("VOICERELAY_ADDR"); v != "" {
		c.BasicConfig.ServerAddress = v
	}
	if v := os.Getenv("VOICERELAY_AUDIO_DIR"); v != "" {
		c.BasicConfig.AudioDir = v
	}
	if v := os.Getenv("VOICERELAY_ENV"); v != "" {
		c.BasicConfig.Environment = v
	}
	if v := os.Getenv("VOICERELAY_PROVIDER"); v != "" {
		c.BasicConfig.Provider = v
	}
	if v := os.Getenv("VOICERELAY_API_KEY"); v != "" {
		p := c.Providers[c.BasicConfig.Provider]
		p.APIKey = v
		if c.Providers == nil {
			c.Providers = map[string]ProviderConfig{}
		}
		c.Providers[c.BasicConfig.Provider] = p
	}
	if v := os.Getenv("VOICERELAY_RELAY_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BasicConfig.RelayTimeout = n
		}
	}
	if v := os.Getenv("VOICERELAY_REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("VOICERELAY_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.AudioDir == "" {
		c.BasicConfig.AudioDir = "./data/audio"
	}
	if c.BasicConfig.Environment == "" {
		c.BasicConfig.Environment = "development"
	}
	if c.BasicConfig.Provider == "" {
		c.BasicConfig.Provider = "openai"
	}
	if c.BasicConfig.MinWorkers <= 0 {
		c.BasicConfig.MinWorkers = 2
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		c.BasicConfig.MaxWorkers = c.BasicConfig.MinWorkers * 4
	}
	if c.BasicConfig.QueueSize <= 0 {
		c.BasicConfig.QueueSize = 64
	}
	if c.BasicConfig.WorkerIdleTimeout <= 0 {
		c.BasicConfig.WorkerIdleTimeout = 5
	}
	if c.BasicConfig.RelayTimeout <= 0 {
		c.BasicConfig.RelayTimeout = 120
	}
	if c.BasicConfig.PollLimit <= 0 {
		c.BasicConfig.PollLimit = 50
	}
	if c.BasicConfig.HistoryLimit <= 0 {
		c.BasicConfig.HistoryLimit = 20
	}
	if c.Synthesis.TimeoutSeconds <= 0 {
		c.Synthesis.TimeoutSeconds = 30
	}
	if c.Transcribe.TimeoutSeconds <= 0 {
		c.Transcribe.TimeoutSeconds = 60
	}
	if c.Transcribe.FFmpegPath == "" {
		c.Transcribe.FFmpegPath = "ffmpeg"
	}
}
