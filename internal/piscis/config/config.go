// Package config loads the Piscis server configuration.
//
// Values come from three layers, later layers winning:
//
//  1. built-in defaults (Default)
//  2. an optional YAML file (path in PISCIS_CONFIG)
//  3. PISCIS_* environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/acuicola/piscis/common/environment"
)

// Config is the full server configuration.
type Config struct {
	HTTPAddr     string         `yaml:"http_addr"`
	DatabasePath string         `yaml:"database_path"`
	Log          LogConfig      `yaml:"log"`
	Auth         AuthConfig     `yaml:"auth"`
	Workflow     WorkflowConfig `yaml:"workflow"`
	SMTP         SMTPConfig     `yaml:"smtp"`
	Matrix       MatrixConfig   `yaml:"matrix"`
	// Users seeds the usuarios directory on startup. Existing rows with the
	// same ID are updated.
	Users []UserSeed `yaml:"users"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// AuthConfig configures bearer-token validation.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// WorkflowConfig tunes the request/code/pass workflow.
type WorkflowConfig struct {
	// CodeTTL is how long an issued code stays valid.
	CodeTTL time.Duration `yaml:"code_ttl"`
	// CodeDigits is the length of the numeric one-time code.
	CodeDigits int `yaml:"code_digits"`
	// BcryptCost is the work factor for code hashes.
	BcryptCost int `yaml:"bcrypt_cost"`
	// PassWindow is how long a spent code authorizes mutations.
	PassWindow time.Duration `yaml:"pass_window"`
	// MinReasonLength is the minimum length of a request justification.
	MinReasonLength int `yaml:"min_reason_length"`
	// MaxCodeAttempts locks a code after that many mismatches.
	MaxCodeAttempts int `yaml:"max_code_attempts"`
	// TxTimeout bounds every workflow transaction.
	TxTimeout time.Duration `yaml:"tx_timeout"`
	// NotifyTimeout bounds each post-commit notification.
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}

// SMTPConfig enables e-mail notifications when Host is set.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	SSL      bool   `yaml:"ssl"`
}

// MatrixConfig enables approver-room notices when Homeserver and RoomID are set.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	RoomID      string `yaml:"room_id"`
}

// UserSeed is one entry of the usuarios directory.
type UserSeed struct {
	ID     string `yaml:"id"`
	Nombre string `yaml:"nombre"`
	Email  string `yaml:"email"`
	Rol    string `yaml:"rol"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:     ":8080",
		DatabasePath: "./piscis.db",
		Log:          LogConfig{Level: "info", Format: "text"},
		Auth: AuthConfig{
			Issuer:   "piscis",
			TokenTTL: 8 * time.Hour,
		},
		Workflow: WorkflowConfig{
			CodeTTL:         24 * time.Hour,
			CodeDigits:      4,
			BcryptCost:      10,
			PassWindow:      10 * time.Minute,
			MinReasonLength: 10,
			MaxCodeAttempts: 5,
			TxTimeout:       5 * time.Second,
			NotifyTimeout:   30 * time.Second,
		},
		SMTP: SMTPConfig{Port: 587},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// PISCIS_CONFIG (if any) and the environment, then validates it.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("PISCIS_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.mergeEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() {
	c.HTTPAddr = environment.StringOr("PISCIS_HTTP_ADDR", c.HTTPAddr)
	c.DatabasePath = environment.StringOr("PISCIS_DATABASE_PATH", c.DatabasePath)
	c.Log.Level = environment.StringOr("PISCIS_LOG_LEVEL", c.Log.Level)
	c.Log.Format = environment.StringOr("PISCIS_LOG_FORMAT", c.Log.Format)

	c.Auth.JWTSecret = environment.StringOr("PISCIS_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.Issuer = environment.StringOr("PISCIS_JWT_ISSUER", c.Auth.Issuer)
	c.Auth.TokenTTL = environment.DurationOr("PISCIS_TOKEN_TTL", c.Auth.TokenTTL)

	w := &c.Workflow
	w.CodeTTL = environment.DurationOr("PISCIS_CODE_TTL", w.CodeTTL)
	w.CodeDigits = environment.IntOr("PISCIS_CODE_DIGITS", w.CodeDigits)
	w.BcryptCost = environment.IntOr("PISCIS_BCRYPT_COST", w.BcryptCost)
	w.PassWindow = environment.DurationOr("PISCIS_PASS_WINDOW", w.PassWindow)
	w.MinReasonLength = environment.IntOr("PISCIS_MIN_REASON_LENGTH", w.MinReasonLength)
	w.MaxCodeAttempts = environment.IntOr("PISCIS_MAX_CODE_ATTEMPTS", w.MaxCodeAttempts)
	w.TxTimeout = environment.DurationOr("PISCIS_TX_TIMEOUT", w.TxTimeout)
	w.NotifyTimeout = environment.DurationOr("PISCIS_NOTIFY_TIMEOUT", w.NotifyTimeout)

	c.SMTP.Host = environment.StringOr("PISCIS_SMTP_HOST", c.SMTP.Host)
	c.SMTP.Port = environment.IntOr("PISCIS_SMTP_PORT", c.SMTP.Port)
	c.SMTP.Username = environment.StringOr("PISCIS_SMTP_USERNAME", c.SMTP.Username)
	c.SMTP.Password = environment.StringOr("PISCIS_SMTP_PASSWORD", c.SMTP.Password)
	c.SMTP.From = environment.StringOr("PISCIS_SMTP_FROM", c.SMTP.From)
	c.SMTP.SSL = environment.BoolOr("PISCIS_SMTP_SSL", c.SMTP.SSL)

	c.Matrix.Homeserver = environment.StringOr("PISCIS_MATRIX_HOMESERVER", c.Matrix.Homeserver)
	c.Matrix.UserID = environment.StringOr("PISCIS_MATRIX_USER_ID", c.Matrix.UserID)
	c.Matrix.AccessToken = environment.StringOr("PISCIS_MATRIX_ACCESS_TOKEN", c.Matrix.AccessToken)
	c.Matrix.RoomID = environment.StringOr("PISCIS_MATRIX_ROOM_ID", c.Matrix.RoomID)

	// PISCIS_ADMIN_EMAILS is a shortcut for seeding approvers without a file.
	for _, email := range environment.ListOr("PISCIS_ADMIN_EMAILS", nil) {
		c.Users = append(c.Users, UserSeed{ID: email, Email: email, Rol: "admin"})
	}
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("PISCIS_JWT_SECRET must be at least 16 characters"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database path must not be empty"))
	}
	w := c.Workflow
	if w.CodeDigits < 4 || w.CodeDigits > 9 {
		errs = append(errs, fmt.Errorf("code_digits must be between 4 and 9, got %d", w.CodeDigits))
	}
	if w.CodeTTL <= 0 {
		errs = append(errs, errors.New("code_ttl must be positive"))
	}
	if w.PassWindow <= 0 {
		errs = append(errs, errors.New("pass_window must be positive"))
	}
	if w.MaxCodeAttempts <= 0 {
		errs = append(errs, errors.New("max_code_attempts must be positive"))
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		errs = append(errs, errors.New("smtp.from is required when smtp.host is set"))
	}
	for i, u := range c.Users {
		if u.ID == "" || u.Email == "" {
			errs = append(errs, fmt.Errorf("users[%d]: id and email are required", i))
		}
	}
	return errors.Join(errs...)
}
