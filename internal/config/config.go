package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the triage service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Feed       FeedConfig       `yaml:"feed"`
	Rules      RulesConfig      `yaml:"rules"`
	LLM        LLMConfig        `yaml:"llm"`
	Translator TranslatorConfig `yaml:"translator"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// FeedConfig configures the upstream news feed and the ingestion filter.
type FeedConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	Query       string        `yaml:"query"`
	HitsPerPage int           `yaml:"hitsPerPage"`
	MaxPages    int           `yaml:"maxPages"`
	PageDelay   time.Duration `yaml:"pageDelay"`
	StateKey    string        `yaml:"stateKey"`
	Keywords    []string      `yaml:"keywords"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RulesConfig locates the on-disk detection rule corpus for imports.
type RulesConfig struct {
	Dir string `yaml:"dir"`
}

// LLMConfig controls the text-completion collaborator.
type LLMConfig struct {
	Enabled       bool          `yaml:"enabled"`
	APIKey        string        `yaml:"apiKey"`
	Models        []string      `yaml:"models"`
	PromptVersion string        `yaml:"promptVersion"`
	Timeout       time.Duration `yaml:"timeout"`
}

// TranslatorConfig controls the external rule-to-query converter.
type TranslatorConfig struct {
	Command string        `yaml:"command"`
	Script  string        `yaml:"script"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("THREATDESK_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Store: StoreConfig{Path: "data/threatdesk.db"},
		Feed: FeedConfig{
			BaseURL:     "https://hn.algolia.com/api/v1",
			Query:       "a",
			HitsPerPage: 100,
			MaxPages:    10,
			PageDelay:   150 * time.Millisecond,
			StateKey:    "hn_security",
			Keywords:    defaultKeywords(),
			Timeout:     15 * time.Second,
		},
		Rules: RulesConfig{Dir: "data/sigma"},
		LLM: LLMConfig{
			Enabled: false,
			Models: []string{
				"gemini-2.5-flash",
				"gemini-2.5-flash-lite",
				"gemini-2.0-flash",
				"gemini-flash-latest",
				"gemini-2.5-pro",
			},
			PromptVersion: "v1",
			Timeout:       60 * time.Second,
		},
		Translator: TranslatorConfig{
			Command: "python",
			Script:  "scripts/sigma_to_query.py",
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

// defaultKeywords is the title filter used to pick security stories out
// of the general feed. Matching is case-insensitive substring.
func defaultKeywords() []string {
	return []string{
		"security", "cyber", "cve", "vulnerability", "exploit", "malware",
		"ransomware", "phishing", "breach", "backdoor", "zero day", "zeroday",
		"infosec", "botnet", "ddos", "supply chain", "oauth", "token",
		"credential", "windows", "linux", "ssh", "attack", "patch", "bug",
		"0day", "cisa", "xss", "rce", "sqli", "deserialization",
		"auth bypass", "privilege escalation", "lpe", "eop",
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("THREATDESK_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("THREATDESK_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("THREATDESK_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("THREATDESK_FEED_BASE_URL"); v != "" {
		cfg.Feed.BaseURL = v
	}
	if v := os.Getenv("THREATDESK_FEED_STATE_KEY"); v != "" {
		cfg.Feed.StateKey = v
	}
	if v := os.Getenv("THREATDESK_FEED_MAX_PAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Feed.MaxPages = n
		}
	}
	if v := os.Getenv("THREATDESK_RULES_DIR"); v != "" {
		cfg.Rules.Dir = v
	}
	if v := os.Getenv("THREATDESK_LLM_ENABLED"); v != "" {
		cfg.LLM.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("THREATDESK_PROMPT_VERSION"); v != "" {
		cfg.LLM.PromptVersion = v
	}
	if v := os.Getenv("THREATDESK_PYTHON_BIN"); v != "" {
		cfg.Translator.Command = v
	}
	if v := os.Getenv("THREATDESK_TRANSLATOR_SCRIPT"); v != "" {
		cfg.Translator.Script = v
	}
	if v := os.Getenv("THREATDESK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("THREATDESK_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
}
