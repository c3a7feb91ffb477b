package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"staysync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Backup       BackupConfig       `yaml:"backup"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Logging      LoggingConfig      `yaml:"logging"`
	API          APIConfig          `yaml:"api"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	Reservations ReservationsConfig `yaml:"reservations"`
	Payment      PaymentConfig      `yaml:"payment"`
	Sync         SyncConfig         `yaml:"sync"`
	Channels     []ChannelConfig    `yaml:"channels"`
	Calendar     CalendarConfig     `yaml:"calendar"`
	Exports      ExportConfig       `yaml:"exports"`
	Google       GoogleConfig       `yaml:"google"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

// TelegramConfig configures the operator notifier. An empty token means
// notifications are only logged.
type TelegramConfig struct {
	BotToken       string `yaml:"bot_token"`
	OperatorChatID int64  `yaml:"operator_chat_id"`
	Debug          bool   `yaml:"debug"`

	// Commands enables the operator command bot in the operator chat.
	Commands bool `yaml:"commands"`
}

type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type GoogleConfig struct {
	GoogleCredentialsFile string `yaml:"credentials_file"`
	LedgerSpreadsheetID   string `yaml:"ledger_spreadsheet_id"`
	LedgerSheetName       string `yaml:"ledger_sheet_name"`
}

// CatalogConfig points at the static unit list (id, name, capacity).
type CatalogConfig struct {
	Path string `yaml:"path"`
}

type BlackoutConfig struct {
	UnitID string `yaml:"unit_id"`
	Start  string `yaml:"start"`
	End    string `yaml:"end"`
	Reason string `yaml:"reason"`
}

// Range parses the blackout window as a half-open date range.
func (b BlackoutConfig) Range() (models.DateRange, error) {
	return models.ParseDateRange(b.Start, b.End)
}

type ReservationsConfig struct {
	HoldTimeout    time.Duration    `yaml:"hold_timeout"`
	MaxStayNights  int              `yaml:"max_stay_nights"`
	RequestedTTL   time.Duration    `yaml:"requested_ttl"`
	SweepSchedule  string           `yaml:"sweep_schedule"`
	IdempotencyTTL time.Duration    `yaml:"idempotency_ttl"`
	Blackouts      []BlackoutConfig `yaml:"blackouts"`
}

// PaymentConfig selects the payment collaborator. Mode "http" calls URL after a
// hold is placed; mode "webhook" waits for the gateway to call back.
type PaymentConfig struct {
	Mode    string        `yaml:"mode"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type SyncConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Schedule      string        `yaml:"schedule"`
	Interval      time.Duration `yaml:"interval"`
	Jitter        time.Duration `yaml:"jitter"`
	Horizon       time.Duration `yaml:"horizon"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	DegradedAfter int           `yaml:"degraded_after"`
	Concurrency   int           `yaml:"concurrency"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	UserAgent     string        `yaml:"user_agent"`
}

type ChannelConfig struct {
	UnitID  string `yaml:"unit_id"`
	Channel string `yaml:"channel"`
	URL     string `yaml:"url"`
}

type CalendarConfig struct {
	Colors       map[string]string `yaml:"colors"`
	DefaultColor string            `yaml:"default_color"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Telegram.BotToken != "" && c.Telegram.OperatorChatID == 0 {
		return errors.New("telegram operator_chat_id is required when bot token is set")
	}
	switch c.Payment.Mode {
	case "webhook":
	case "http":
		if c.Payment.URL == "" {
			return errors.New("payment url is required in http mode")
		}
	default:
		return fmt.Errorf("unknown payment mode %q", c.Payment.Mode)
	}
	for _, b := range c.Reservations.Blackouts {
		r, err := b.Range()
		if err != nil {
			return fmt.Errorf("blackout %s..%s: %w", b.Start, b.End, err)
		}
		if !r.Valid() {
			return fmt.Errorf("blackout %s..%s: start must be before end", b.Start, b.End)
		}
	}
	return ValidateChannels(c.Channels)
}

func ValidateChannels(channels []ChannelConfig) error {
	seen := make(map[string]bool)
	for _, ch := range channels {
		if ch.UnitID == "" || ch.Channel == "" {
			return fmt.Errorf("channel %q: unit_id and channel are required", ch.URL)
		}
		src := models.Source(ch.Channel)
		if !src.IsChannel() {
			return fmt.Errorf("channel %s/%s: reserved source name", ch.UnitID, ch.Channel)
		}
		u, err := url.Parse(ch.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("channel %s/%s: invalid feed url %q", ch.UnitID, ch.Channel, ch.URL)
		}
		key := ch.UnitID + "/" + ch.Channel
		if seen[key] {
			return fmt.Errorf("duplicate channel %s", key)
		}
		seen[key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "staysync"
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	// auth enabled by default when API is enabled
	if !c.API.Auth.Enabled {
		c.API.Auth.Enabled = true
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = 5 * time.Second
	}

	if c.Reservations.HoldTimeout == 0 {
		c.Reservations.HoldTimeout = models.DefaultHoldTimeout
	}
	if c.Reservations.MaxStayNights == 0 {
		c.Reservations.MaxStayNights = models.DefaultMaxStayNights
	}
	if c.Reservations.RequestedTTL == 0 {
		c.Reservations.RequestedTTL = models.DefaultRequestedTTL
	}
	if c.Reservations.SweepSchedule == "" {
		c.Reservations.SweepSchedule = "@every 1m"
	}
	if c.Reservations.IdempotencyTTL == 0 {
		c.Reservations.IdempotencyTTL = models.DefaultIdempotencyTTL
	}
	if c.Payment.Mode == "" {
		c.Payment.Mode = "webhook"
	}
	if c.Payment.Timeout == 0 {
		c.Payment.Timeout = 10 * time.Second
	}

	if c.Sync.Schedule == "" {
		c.Sync.Schedule = "@every 1m"
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = models.DefaultSyncInterval
	}
	if c.Sync.Jitter == 0 {
		c.Sync.Jitter = models.DefaultSyncJitter
	}
	if c.Sync.Horizon == 0 {
		c.Sync.Horizon = models.DefaultSyncHorizon
	}
	if c.Sync.FetchTimeout == 0 {
		c.Sync.FetchTimeout = 30 * time.Second
	}
	if c.Sync.DegradedAfter == 0 {
		c.Sync.DegradedAfter = models.DefaultDegradedAfter
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 4
	}
	if c.Sync.BackoffBase == 0 {
		c.Sync.BackoffBase = time.Minute
	}
	if c.Sync.BackoffMax == 0 {
		c.Sync.BackoffMax = 6 * time.Hour
	}
	if c.Sync.UserAgent == "" {
		c.Sync.UserAgent = c.App.Name + "/" + c.App.Version
	}

	if c.Calendar.DefaultColor == "" {
		c.Calendar.DefaultColor = "#9e9e9e"
	}
	if c.Calendar.Colors == nil {
		c.Calendar.Colors = map[string]string{
			string(models.SourceInternal):    "#2e7d32",
			string(models.SourceChannelA):    "#ff5a5f",
			string(models.SourceChannelB):    "#003580",
			string(models.SourceManualBlock): "#424242",
		}
	}
	if c.Google.LedgerSheetName == "" {
		c.Google.LedgerSheetName = "Reservations"
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = "configs/units.yaml"
	}
}
