package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the service configuration read from the environment.
type Config struct {
	Env               string `env:"APP_ENV"`
	HTTPAddr          string `env:"HTTP_ADDR" validate:"required"`
	LandingURL        string `env:"LANDING_URL" validate:"required"`
	CallbackRateLimit int    `env:"CALLBACK_RATE_LIMIT" validate:"gte=0"`
	Backend           BackendConfig
	Session           SessionConfig
	Logging           LoggingConfig
}

// BackendConfig describes the payment backend and client protection.
type BackendConfig struct {
	BaseURL         string        `env:"BACKEND_URL" validate:"required,url"`
	JWTSecret       string        `env:"BACKEND_JWT_SECRET"`
	JWTAudience     string        `env:"BACKEND_JWT_AUDIENCE"`
	Timeout         time.Duration `env:"ORACLE_TIMEOUT" validate:"gt=0"`
	RateLimitRPS    float64       `env:"ORACLE_RPS" validate:"gt=0"`
	RateBurst       int           `env:"ORACLE_BURST" validate:"gte=1"`
	BreakerFailures int           `env:"ORACLE_BREAKER_FAILURES" validate:"gte=1"`
	BreakerCooldown time.Duration `env:"ORACLE_BREAKER_COOLDOWN" validate:"gt=0"`
	BreakerHalfOpen int           `env:"ORACLE_BREAKER_HALF_OPEN" validate:"gte=1"`
}

// SessionConfig controls idle session cleanup.
type SessionConfig struct {
	IdleTimeout   time.Duration `env:"SESSION_IDLE_TIMEOUT" validate:"gt=0"`
	SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" validate:"gt=0"`
}

// LoggingConfig selects level, format and optional file sink.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `env:"LOG_FORMAT" validate:"omitempty,oneof=text json"`
	File   string `env:"LOG_FILE"`
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	env := &envReader{}
	cfg := &Config{
		Env:               getenv("APP_ENV", "dev"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		LandingURL:        getenv("LANDING_URL", "/"),
		CallbackRateLimit: env.int("CALLBACK_RATE_LIMIT", 30),
		Backend: BackendConfig{
			BaseURL:         strings.TrimRight(os.Getenv("BACKEND_URL"), "/"),
			JWTSecret:       os.Getenv("BACKEND_JWT_SECRET"),
			JWTAudience:     getenv("BACKEND_JWT_AUDIENCE", "payments"),
			Timeout:         env.duration("ORACLE_TIMEOUT", 10*time.Second),
			RateLimitRPS:    env.float("ORACLE_RPS", 20),
			RateBurst:       env.int("ORACLE_BURST", 10),
			BreakerFailures: env.int("ORACLE_BREAKER_FAILURES", 5),
			BreakerCooldown: env.duration("ORACLE_BREAKER_COOLDOWN", 15*time.Second),
			BreakerHalfOpen: env.int("ORACLE_BREAKER_HALF_OPEN", 3),
		},
		Session: SessionConfig{
			IdleTimeout:   env.duration("SESSION_IDLE_TIMEOUT", 30*time.Second),
			SweepInterval: env.duration("SESSION_SWEEP_INTERVAL", 10*time.Second),
		},
		Logging: LoggingConfig{
			Level:  strings.ToLower(getenv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getenv("LOG_FORMAT", "text")),
			File:   os.Getenv("LOG_FILE"),
		},
	}

	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, describe(err)
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

func describe(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	if fe.Tag() == "required" {
		return fmt.Errorf("%s is required", fe.Field())
	}
	return fmt.Errorf("%s is invalid: %v", fe.Field(), fe.Value())
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envReader parses typed variables and remembers every value it could not
// parse, so a typo is reported instead of silently replaced by the default.
type envReader struct {
	errs []error
}

func (r *envReader) fail(key, value string) {
	r.errs = append(r.errs, fmt.Errorf("%s is invalid: %s", key, value))
}

func (r *envReader) int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v)
		return def
	}
	return parsed
}

func (r *envReader) float(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v)
		return def
	}
	return parsed
}

func (r *envReader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v)
		return def
	}
	return parsed
}
