package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath   = "config.toml"
	DefaultHTTPAddr     = ":8080"
	DefaultPGHost       = "127.0.0.1"
	DefaultPGPort       = 5432
	DefaultPGUser       = "postgres"
	DefaultPGDatabase   = "minicrisp"
	DefaultPGSSLMode    = "disable"
	DefaultBlobRoot     = "data/blobs"
	DefaultPollInterval = 60
	DefaultBackfillDays = 30
	DefaultGraphBaseURL = "https://graph.facebook.com/v18.0"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Blob     BlobConfig     `toml:"blob"`
	Mail     MailConfig     `toml:"mail"`
	WhatsApp WhatsAppConfig `toml:"whatsapp"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type PostgresConfig struct {
	Host     string `toml:"host" validate:"required"`
	Port     int    `toml:"port" validate:"gt=0"`
	User     string `toml:"user" validate:"required"`
	Password string `toml:"password"`
	Database string `toml:"database" validate:"required"`
	SSLMode  string `toml:"sslmode"`
}

type BlobConfig struct {
	Root string `toml:"root" validate:"required"`
}

// MailConfig carries the default mailbox credential plus the knobs shared by
// every polled account. SelfAddress is the monitored support address used for
// self-loop detection; AdminAddress receives notification mails.
type MailConfig struct {
	SelfAddress         string   `toml:"self_address" validate:"omitempty,email"`
	AdminAddress        string   `toml:"admin_address" validate:"omitempty,email"`
	SMTPHost            string   `toml:"smtp_host"`
	SMTPPort            int      `toml:"smtp_port"`
	Username            string   `toml:"username"`
	Password            string   `toml:"password"`
	MessageIDDomain     string   `toml:"message_id_domain"`
	PollIntervalSeconds int      `toml:"poll_interval_seconds" validate:"gt=0"`
	BackfillDays        int      `toml:"backfill_days" validate:"gte=0"`
	Blocklist           []string `toml:"blocklist"`
}

// WhatsAppConfig configures the Cloud API webhook and outbound delivery.
// AccessToken authorizes sends through the business phone number.
type WhatsAppConfig struct {
	VerifyToken   string `toml:"verify_token"`
	GraphBaseURL  string `toml:"graph_base_url"`
	PhoneNumberID string `toml:"phone_number_id"`
	AccessToken   string `toml:"access_token"`
}

// Load reads TOML config from path, falling back to defaults when the file
// does not exist.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Blob: BlobConfig{
			Root: DefaultBlobRoot,
		},
		Mail: MailConfig{
			SMTPPort:            587,
			MessageIDDomain:     "mini-crisp",
			PollIntervalSeconds: DefaultPollInterval,
			BackfillDays:        DefaultBackfillDays,
			Blocklist:           []string{"no-reply", "noreply", "mailer-daemon", "postmaster"},
		},
		WhatsApp: WhatsAppConfig{
			GraphBaseURL: DefaultGraphBaseURL,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, validate(cfg)
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, validate(cfg)
}

func validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DSN renders the pgx connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
