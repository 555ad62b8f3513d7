package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Gym         Gym         `toml:"gym"`
	Credentials Credentials `toml:"credentials"`
	Targets     []Target    `toml:"targets" validate:"dive"`
	Email       *Email      `toml:"email"`
	Snipe       Snipe       `toml:"snipe"`
	HTTP        HTTP        `toml:"http"`
	Database    Database    `toml:"database"`
	Redis       Redis       `toml:"redis"`
	Dashboard   Dashboard   `toml:"dashboard"`
	Log         Log         `toml:"log"`
}

type Gym struct {
	BaseURL  string `toml:"base_url" validate:"required,url"`
	ClubID   int64  `toml:"club_id" validate:"required,gt=0"`
	Timezone string `toml:"timezone"`
}

// Location resolves the portal's local zone. Class start times carry no
// offset on the wire and are interpreted in this zone.
func (g Gym) Location() (*time.Location, error) {
	if g.Timezone == "" || strings.EqualFold(g.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(g.Timezone)
}

type Credentials struct {
	Email    string `toml:"email" validate:"required"`
	Password string `toml:"password" validate:"required"`
}

// Target is a recurring class pattern for the scheduler.
type Target struct {
	ClassName string   `toml:"class_name" validate:"required"`
	Days      []string `toml:"days" validate:"dive,weekday"`
	Time      string   `toml:"time" validate:"omitempty,hhmm"`
}

type Email struct {
	SMTPServer string `toml:"smtp_server" validate:"required"`
	SMTPPort   int    `toml:"smtp_port" validate:"required,gt=0,lt=65536"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	From       string `toml:"from" validate:"required,email"`
	To         string `toml:"to" validate:"required,email"`
}

type Snipe struct {
	Strategy       string   `toml:"strategy" validate:"oneof=precise adaptive"`
	QueueFile      string   `toml:"queue_file" validate:"required"`
	ActivationLead Duration `toml:"activation_lead"`
}

type HTTP struct {
	UserAgent         string  `toml:"user_agent"`
	TimeoutSeconds    int     `toml:"timeout_seconds" validate:"gt=0"`
	MinDelayMS        int     `toml:"min_delay_ms" validate:"gte=0"`
	MaxDelayMS        int     `toml:"max_delay_ms" validate:"gtefield=MinDelayMS"`
	RequestsPerSecond float64 `toml:"requests_per_second" validate:"gt=0"`
}

func (h HTTP) Timeout() time.Duration { return time.Duration(h.TimeoutSeconds) * time.Second }

type Database struct {
	URL string `toml:"url"`
}

type Redis struct {
	Addr string `toml:"addr"`
}

type Dashboard struct {
	Listen       string `toml:"listen"`
	Username     string `toml:"username"`
	PasswordHash string `toml:"password_hash"`
	HashKey      string `toml:"hash_key"`
	BlockKey     string `toml:"block_key"`
}

// Keys decodes the cookie keys. Either value may also name a file holding the
// base64 text, for mounted secrets.
func (d Dashboard) Keys() (hashKey, blockKey []byte, err error) {
	if d.HashKey == "" || d.BlockKey == "" {
		return nil, nil, fmt.Errorf("%w: dashboard hash_key and block_key are required (base64, 32 and 16/24/32 bytes)", ErrInvalid)
	}
	hashKey, err = decodeB64(d.HashKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dashboard hash_key: %v", ErrInvalid, err)
	}
	blockKey, err = decodeB64(d.BlockKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dashboard block_key: %v", ErrInvalid, err)
	}
	switch len(blockKey) {
	case 16, 24, 32:
	default:
		return nil, nil, fmt.Errorf("%w: dashboard block_key must decode to 16, 24 or 32 bytes", ErrInvalid)
	}
	return hashKey, blockKey, nil
}

type Log struct {
	Level  string `toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `toml:"format" validate:"omitempty,oneof=text json"`
}

// Duration decodes TOML strings such as "5m" or "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

const (
	DefaultStrategy       = "precise"
	DefaultQueueFile      = "snipes.json"
	DefaultActivationLead = 5 * time.Minute
	DefaultUserAgent      = "Mozilla/5.0 (X11; Linux x86_64; rv:146.0) Gecko/20100101 Firefox/146.0"
)

// Load reads .env (if present), the TOML file at path, and environment
// overrides, then fills defaults and validates the result.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML text; used by tests and by callers that embed config.
func Parse(data string) (Config, error) {
	var cfg Config
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setFromEnv(&cfg.Credentials.Email, "GYMSNIPER_EMAIL")
	setFromEnv(&cfg.Credentials.Password, "GYMSNIPER_PASSWORD")
	setFromEnv(&cfg.Gym.BaseURL, "GYMSNIPER_BASE_URL")
	setFromEnv(&cfg.Database.URL, "DATABASE_URL")
	setFromEnv(&cfg.Redis.Addr, "REDIS_ADDR")
	setFromEnv(&cfg.Dashboard.HashKey, "DASHBOARD_HASH_KEY")
	setFromEnv(&cfg.Dashboard.BlockKey, "DASHBOARD_BLOCK_KEY")
	if v := os.Getenv("SMTP_PASSWORD"); v != "" && cfg.Email != nil {
		cfg.Email.Password = v
	}
	if v := os.Getenv("GYMSNIPER_CLUB_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Gym.ClubID = id
		}
	}
}

func applyDefaults(cfg *Config) {
	cfg.Gym.BaseURL = strings.TrimRight(cfg.Gym.BaseURL, "/")
	if cfg.Snipe.Strategy == "" {
		cfg.Snipe.Strategy = DefaultStrategy
	}
	if cfg.Snipe.QueueFile == "" {
		cfg.Snipe.QueueFile = DefaultQueueFile
	}
	if cfg.Snipe.ActivationLead.Duration <= 0 {
		cfg.Snipe.ActivationLead.Duration = DefaultActivationLead
	}
	if cfg.HTTP.UserAgent == "" {
		cfg.HTTP.UserAgent = DefaultUserAgent
	}
	if cfg.HTTP.TimeoutSeconds == 0 {
		cfg.HTTP.TimeoutSeconds = 5
	}
	if cfg.HTTP.MinDelayMS == 0 && cfg.HTTP.MaxDelayMS == 0 {
		cfg.HTTP.MinDelayMS = 200
		cfg.HTTP.MaxDelayMS = 500
	}
	if cfg.HTTP.RequestsPerSecond == 0 {
		cfg.HTTP.RequestsPerSecond = 5
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("weekday", func(fl validator.FieldLevel) bool {
		_, ok := ParseWeekday(fl.Field().String())
		return ok
	})
	_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		_, err := time.Parse("15:04", fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks struct tags and cross-field rules, wrapping failures in
// ErrInvalid.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			msgs := make([]string, 0, len(ve))
			for _, fe := range ve {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := cfg.Gym.Location(); err != nil {
		return fmt.Errorf("%w: gym.timezone: %v", ErrInvalid, err)
	}
	if cfg.Dashboard.Listen != "" && cfg.Dashboard.Username != "" && cfg.Dashboard.PasswordHash == "" {
		return fmt.Errorf("%w: dashboard.password_hash is required when username is set", ErrInvalid)
	}
	return nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseWeekday accepts full English day names or three-letter abbreviations,
// case-insensitively.
func ParseWeekday(s string) (time.Weekday, bool) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	return d, ok
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func decodeB64(s string) ([]byte, error) {
	b, err := os.ReadFile(s)
	if err == nil {
		// allow pointing to file path for k8s secret mounts
		s = string(b)
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}
