package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hickar/mailsend/internal/pkg/units"
)

type Config struct {
	LogLevel int           `yaml:"log_level"` // Logging level (e.g., -4: debug, 0: info, etc.).
	SMTP     SMTPConfig    `yaml:"smtp"`      // Outgoing mail server settings.
	Compose  ComposeConfig `yaml:"compose"`   // Message composition settings.
	Archive  ArchiveConfig `yaml:"archive"`   // Copying of sent messages to IMAP mailbox.
}

type SMTPConfig struct {
	Host     string        `yaml:"host"`     // SMTP server host name.
	Login    string        `yaml:"login"`    // Account login, also used as sender address.
	Password string        `yaml:"password"` // Account password (application password for most providers).
	PortSSL  int           `yaml:"port_ssl"` // Implicit TLS port.
	PortTLS  int           `yaml:"port_tls"` // STARTTLS port.
	UseSSL   bool          `yaml:"use_ssl"`  // Whether to use implicit TLS instead of STARTTLS.
	Timeout  time.Duration `yaml:"timeout"`  // Timeout for each blocking network operation.
}

type ComposeConfig struct {
	FromName       string         `yaml:"from_name"`        // Default display name for the From header.
	HTMLFallback   string         `yaml:"html_fallback"`    // Plain text part for HTML-only messages: 'placeholder' or 'derive'.
	MaxMessageSize units.ByteSize `yaml:"max_message_size"` // Limit for the total size of attachments, 0 means no limit.
}

type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"` // Whether to append sent messages to IMAP mailbox.
	Address string `yaml:"address"` // IMAP server address in host:port form.
	Mailbox string `yaml:"mailbox"` // Mailbox name to append messages to.
}

// Default returns configuration with defaults applied, which are
// overridden by values from configuration file.
func Default() Config {
	return Config{
		SMTP: SMTPConfig{
			Host:    "smtp.yandex.ru",
			PortSSL: 465,
			PortTLS: 587,
			UseSSL:  true,
			Timeout: 30 * time.Second,
		},
		Compose: ComposeConfig{
			HTMLFallback: "placeholder",
		},
		Archive: ArchiveConfig{
			Address: "imap.yandex.ru:993",
			Mailbox: "Sent",
		},
	}
}

func LoadConfig(cfgFilepath, envFilepath string) (Config, error) {
	cfg := Default()

	if _, err := os.Stat(envFilepath); err == nil {
		if err = godotenv.Load(envFilepath); err != nil {
			return cfg, fmt.Errorf("unable to load environment variables from file: %w", err)
		}
	}

	//nolint:gosec
	fileBytes, err := os.ReadFile(cfgFilepath)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return cfg, fmt.Errorf("configuration file at this cfgFilepath doesn't exist: %w", err)
		case errors.Is(err, os.ErrPermission):
			return cfg, fmt.Errorf("permission denied for accessing configuration file: %w", err)
		default:
			return cfg, fmt.Errorf("unexpected error during reading configuration file: %w", err)
		}
	}

	envExpanded := os.ExpandEnv(string(fileBytes))
	if err = yaml.Unmarshal([]byte(envExpanded), &cfg); err != nil {
		return cfg, fmt.Errorf("unable to unmarshal configuration file: %w", err)
	}

	if err = cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate reports first missing or malformed setting.
func (c Config) Validate() error {
	switch {
	case c.SMTP.Host == "":
		return errors.New("smtp.host is required")
	case c.SMTP.Login == "":
		return errors.New("smtp.login is required")
	case c.SMTP.Password == "":
		return errors.New("smtp.password is required")
	case c.SMTP.UseSSL && c.SMTP.PortSSL <= 0:
		return errors.New("smtp.port_ssl must be positive")
	case !c.SMTP.UseSSL && c.SMTP.PortTLS <= 0:
		return errors.New("smtp.port_tls must be positive")
	case c.SMTP.Timeout < 0:
		return errors.New("smtp.timeout must not be negative")
	case c.Compose.HTMLFallback != "placeholder" && c.Compose.HTMLFallback != "derive":
		return fmt.Errorf("compose.html_fallback must be 'placeholder' or 'derive', got %q", c.Compose.HTMLFallback)
	case c.Compose.MaxMessageSize < 0:
		return errors.New("compose.max_message_size must not be negative")
	case c.Archive.Enabled && (c.Archive.Address == "" || c.Archive.Mailbox == ""):
		return errors.New("archive.address and archive.mailbox are required when archive is enabled")
	}

	return nil
}
