package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "configs/config.json"

	MinActivityCapacity = 50
	MaxActivityCapacity = 100
)

type Config struct {
	Client          ClientConfig          `json:"client"`
	Backend         BackendConfig         `json:"backend"`
	Connection      ConnectionConfig      `json:"connection"`
	Poll            PollConfig            `json:"poll"`
	Vulnerabilities VulnerabilitiesConfig `json:"vulnerabilities"`
	Activity        ActivityConfig        `json:"activity"`
	Notifications   NotificationsConfig   `json:"notifications"`
	Storage         StorageConfig         `json:"storage"`
	API             APIConfig             `json:"api"`
	Metrics         MetricsConfig         `json:"metrics"`
}

type ClientConfig struct {
	LogLevel        string `json:"log_level"`
	LogFormat       string `json:"log_format"`
	ShutdownTimeout string `json:"shutdown_timeout"`
}

type BackendConfig struct {
	BaseURL        string `json:"base_url"`
	PushPath       string `json:"push_path"`
	Origin         string `json:"origin"`
	AuthToken      string `json:"auth_token"`
	RequestTimeout string `json:"request_timeout"`
}

type ConnectionConfig struct {
	BackoffBase string `json:"backoff_base"`
	BackoffCap  string `json:"backoff_cap"`
	MaxAttempts int    `json:"max_attempts"`
	Jitter      bool   `json:"jitter"`
}

type PollConfig struct {
	Schedule        string `json:"schedule"`
	Timeout         string `json:"timeout"`
	HistoryLimit    int    `json:"history_limit"`
	MissedPolls     int    `json:"missed_polls"`
	TriggerInterval string `json:"trigger_interval"`
	TriggerBurst    int    `json:"trigger_burst"`
}

type VulnerabilitiesConfig struct {
	PageSize int `json:"page_size"`
}

type ActivityConfig struct {
	Capacity int `json:"capacity"`
}

type NotificationsConfig struct {
	SuccessDelay string          `json:"success_delay"`
	InfoDelay    string          `json:"info_delay"`
	WarningDelay string          `json:"warning_delay"`
	ErrorDelay   string          `json:"error_delay"`
	Channels     []ChannelConfig `json:"channels"`
}

type ChannelConfig struct {
	Type     string   `json:"type"`
	Enabled  bool     `json:"enabled"`
	Severity []string `json:"severity"`

	URL string `json:"url"`

	SyslogNetwork string `json:"syslog_network"`
	SyslogAddress string `json:"syslog_address"`
	SyslogTag     string `json:"syslog_tag"`

	SMTPServer string   `json:"smtp_server"`
	SMTPUser   string   `json:"smtp_user"`
	SMTPPass   string   `json:"smtp_pass"`
	From       string   `json:"from"`
	To         []string `json:"to"`
	Subject    string   `json:"subject"`
}

type StorageConfig struct {
	Enabled             bool   `json:"enabled"`
	DBPath              string `json:"db_path"`
	RetentionDays       int    `json:"retention_days"`
	EncryptionKeyBase64 string `json:"encryption_key_base64"`
}

type APIConfig struct {
	Enabled   bool   `json:"enabled"`
	BindAddr  string `json:"bind_addr"`
	ReadOnly  bool   `json:"read_only"`
	AuthToken string `json:"auth_token"`
	// AllowedOrigins enables CORS for browser dashboards served from another origin.
	AllowedOrigins []string `json:"allowed_origins"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

func Default() Config {
	return Config{
		Client: ClientConfig{
			LogLevel:        "info",
			LogFormat:       "json",
			ShutdownTimeout: "10s",
		},
		Backend: BackendConfig{
			BaseURL:        "http://127.0.0.1:8000",
			PushPath:       "/ws",
			RequestTimeout: "10s",
		},
		Connection: ConnectionConfig{
			BackoffBase: "1s",
			BackoffCap:  "30s",
			MaxAttempts: 10,
			Jitter:      false,
		},
		Poll: PollConfig{
			Schedule:        "@every 5s",
			Timeout:         "10s",
			HistoryLimit:    50,
			MissedPolls:     2,
			TriggerInterval: "1s",
			TriggerBurst:    1,
		},
		Vulnerabilities: VulnerabilitiesConfig{
			PageSize: 20,
		},
		Activity: ActivityConfig{
			Capacity: 100,
		},
		Notifications: NotificationsConfig{
			SuccessDelay: "3s",
			InfoDelay:    "5s",
			WarningDelay: "7s",
			ErrorDelay:   "10s",
			Channels: []ChannelConfig{
				{Type: "log", Enabled: true},
			},
		},
		Storage: StorageConfig{
			Enabled:       false,
			DBPath:        "/var/lib/reconsync/badger",
			RetentionDays: 30,
		},
		API: APIConfig{
			Enabled:  true,
			BindAddr: "127.0.0.1:8790",
			ReadOnly: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err = yamlToJSON(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// yamlToJSON lets YAML files reuse the json field names.
func yamlToJSON(raw []byte) ([]byte, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

func (c Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Client.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "client.log_level must be one of: debug, info, warn, error")
	}

	switch strings.ToLower(c.Client.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, "client.log_format must be one of: json, text")
	}
	errs = checkDuration(errs, "client.shutdown_timeout", c.Client.ShutdownTimeout)

	if c.Backend.BaseURL == "" {
		errs = append(errs, "backend.base_url is required")
	} else if u, err := url.Parse(c.Backend.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "backend.base_url must be an absolute http(s) URL")
	}
	if !strings.HasPrefix(c.Backend.PushPath, "/") {
		errs = append(errs, "backend.push_path must start with /")
	}
	errs = checkDuration(errs, "backend.request_timeout", c.Backend.RequestTimeout)

	errs = checkDuration(errs, "connection.backoff_base", c.Connection.BackoffBase)
	errs = checkDuration(errs, "connection.backoff_cap", c.Connection.BackoffCap)
	if c.Connection.BackoffBaseDuration() > c.Connection.BackoffCapDuration() {
		errs = append(errs, "connection.backoff_base must not exceed connection.backoff_cap")
	}
	if c.Connection.MaxAttempts < 1 {
		errs = append(errs, "connection.max_attempts must be >= 1")
	}

	if c.Poll.Schedule == "" {
		errs = append(errs, "poll.schedule is required")
	} else if _, err := cron.ParseStandard(c.Poll.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("poll.schedule is invalid: %v", err))
	}
	errs = checkDuration(errs, "poll.timeout", c.Poll.Timeout)
	errs = checkDuration(errs, "poll.trigger_interval", c.Poll.TriggerInterval)
	if c.Poll.HistoryLimit < 1 {
		errs = append(errs, "poll.history_limit must be >= 1")
	}
	if c.Poll.MissedPolls < 1 {
		errs = append(errs, "poll.missed_polls must be >= 1")
	}
	if c.Poll.TriggerBurst < 1 {
		errs = append(errs, "poll.trigger_burst must be >= 1")
	}

	if c.Vulnerabilities.PageSize < 1 {
		errs = append(errs, "vulnerabilities.page_size must be >= 1")
	}

	if c.Activity.Capacity < MinActivityCapacity || c.Activity.Capacity > MaxActivityCapacity {
		errs = append(errs, fmt.Sprintf("activity.capacity must be between %d and %d", MinActivityCapacity, MaxActivityCapacity))
	}

	n := c.Notifications
	for _, d := range []struct{ key, value string }{
		{"notifications.success_delay", n.SuccessDelay},
		{"notifications.info_delay", n.InfoDelay},
		{"notifications.warning_delay", n.WarningDelay},
		{"notifications.error_delay", n.ErrorDelay},
	} {
		if d.value == "" {
			errs = append(errs, d.key+" is required")
			continue
		}
		errs = checkDuration(errs, d.key, d.value)
	}
	delays := n.Delays()
	if !(delays.Success < delays.Info && delays.Info <= delays.Warning && delays.Warning < delays.Error) {
		errs = append(errs, "notifications delays must satisfy success < info <= warning < error")
	}
	for i, ch := range n.Channels {
		switch ch.Type {
		case "log", "syslog":
		case "webhook":
			if ch.Enabled && ch.URL == "" {
				errs = append(errs, fmt.Sprintf("notifications.channels[%d].url is required for webhook", i))
			}
		case "email":
			if ch.Enabled && (ch.SMTPServer == "" || ch.From == "" || len(ch.To) == 0) {
				errs = append(errs, fmt.Sprintf("notifications.channels[%d] email requires smtp_server, from and to", i))
			}
		case "":
			errs = append(errs, fmt.Sprintf("notifications.channels[%d].type is required", i))
		default:
			errs = append(errs, fmt.Sprintf("notifications.channels[%d].type %q is unknown", i, ch.Type))
		}
	}

	if c.Storage.Enabled {
		if c.Storage.DBPath == "" {
			errs = append(errs, "storage.db_path is required when enabled")
		} else if !filepath.IsAbs(c.Storage.DBPath) {
			errs = append(errs, "storage.db_path must be an absolute path")
		}
	}
	if c.Storage.RetentionDays < 0 {
		errs = append(errs, "storage.retention_days must be >= 0")
	}
	if c.Storage.EncryptionKeyBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(c.Storage.EncryptionKeyBase64)
		if err != nil {
			errs = append(errs, "storage.encryption_key_base64 must be valid base64")
		} else if len(decoded) != 32 {
			errs = append(errs, "storage.encryption_key_base64 must decode to 32 bytes")
		}
	}

	if c.API.Enabled {
		if c.API.BindAddr == "" {
			errs = append(errs, "api.bind_addr is required when enabled")
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func checkDuration(errs []string, key, value string) []string {
	if value == "" {
		return errs
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, key+" must be a valid duration (e.g. 10s)")
	}
	if d < 0 {
		return append(errs, key+" must not be negative")
	}
	return errs
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func (c ClientConfig) ShutdownTimeoutDuration() time.Duration {
	return parseDurationOr(c.ShutdownTimeout, 10*time.Second)
}

func (b BackendConfig) RequestTimeoutDuration() time.Duration {
	return parseDurationOr(b.RequestTimeout, 10*time.Second)
}

// PushURL turns the http(s) base URL into the ws(s) endpoint of the push channel.
func (b BackendConfig) PushURL() (string, error) {
	u, err := url.Parse(b.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + b.PushPath
	return u.String(), nil
}

func (b BackendConfig) OriginURL() string {
	if b.Origin != "" {
		return b.Origin
	}
	return b.BaseURL
}

func (c ConnectionConfig) BackoffBaseDuration() time.Duration {
	return parseDurationOr(c.BackoffBase, time.Second)
}

func (c ConnectionConfig) BackoffCapDuration() time.Duration {
	return parseDurationOr(c.BackoffCap, 30*time.Second)
}

func (p PollConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(p.Timeout, 10*time.Second)
}

func (p PollConfig) TriggerIntervalDuration() time.Duration {
	return parseDurationOr(p.TriggerInterval, time.Second)
}

type Delays struct {
	Success time.Duration
	Info    time.Duration
	Warning time.Duration
	Error   time.Duration
}

func (n NotificationsConfig) Delays() Delays {
	return Delays{
		Success: parseDurationOr(n.SuccessDelay, 3*time.Second),
		Info:    parseDurationOr(n.InfoDelay, 5*time.Second),
		Warning: parseDurationOr(n.WarningDelay, 7*time.Second),
		Error:   parseDurationOr(n.ErrorDelay, 10*time.Second),
	}
}

func (c Config) Redacted() Config {
	clone := c
	if clone.Backend.AuthToken != "" {
		clone.Backend.AuthToken = "REDACTED"
	}
	if clone.API.AuthToken != "" {
		clone.API.AuthToken = "REDACTED"
	}
	if clone.Storage.EncryptionKeyBase64 != "" {
		clone.Storage.EncryptionKeyBase64 = "REDACTED"
	}
	if len(clone.Notifications.Channels) > 0 {
		channels := make([]ChannelConfig, len(clone.Notifications.Channels))
		copy(channels, clone.Notifications.Channels)
		for i := range channels {
			if channels[i].URL != "" {
				channels[i].URL = "REDACTED"
			}
			if channels[i].SMTPPass != "" {
				channels[i].SMTPPass = "REDACTED"
			}
		}
		clone.Notifications.Channels = channels
	}
	return clone
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("RECONSYNC_BACKEND_URL"); ok && v != "" {
		cfg.Backend.BaseURL = v
	}
	if v, ok := os.LookupEnv("RECONSYNC_BACKEND_TOKEN"); ok && v != "" {
		cfg.Backend.AuthToken = v
	}
	if v, ok := os.LookupEnv("RECONSYNC_LOG_LEVEL"); ok && v != "" {
		cfg.Client.LogLevel = v
	}
	if v, ok := os.LookupEnv("RECONSYNC_API_ENABLED"); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.API.Enabled = parsed
		}
	}
	if v, ok := os.LookupEnv("RECONSYNC_API_TOKEN"); ok && v != "" {
		cfg.API.AuthToken = v
	}
	if v, ok := os.LookupEnv("RECONSYNC_STORAGE_ENABLED"); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.Enabled = parsed
		}
	}
}
