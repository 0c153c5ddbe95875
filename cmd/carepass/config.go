package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/carepass/internal/logger"
	"github.com/nkiryanov/carepass/internal/service/audit"
	"github.com/nkiryanov/carepass/internal/service/verification"
)

const (
	defaultListenAddr    = "localhost:8000"
	defaultLoggingLevel  = logger.LevelInfo
	defaultEnvironment   = logger.EnvProduction
	defaultValidateRPS   = 5
	defaultValidateBurst = 10
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address on which the carepass service will be run
	ListenAddr string

	// Database to connect to: postgres://, postgresql:// or mysql://
	// Empty means in-memory ledger, tokens do not survive a restart
	DatabaseDSN string

	// Secret key, at least 32 bytes
	// Token signing and staff access keys are derived from it
	SecretKey string

	// Environment
	Environment string

	// Upper bound for token ttl
	MaxTokenTTL time.Duration

	// How long expired tokens are kept before the sweep deletes them
	RetentionWindow time.Duration

	// How often the retention sweep runs, zero disables it
	PurgeInterval time.Duration

	// Audit events queued before new ones are dropped
	AuditQueueSize int

	// Per client ip rate limit of the validate and status endpoints
	ValidateRPS   float64
	ValidateBurst int

	// Proxies (CIDR or address) whose X-Forwarded-For is believed
	// Empty means the connection address is the client address
	TrustedProxies []string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:        defaultLoggingLevel,
		ListenAddr:      defaultListenAddr,
		Environment:     defaultEnvironment,
		MaxTokenTTL:     verification.DefaultMaxTTL,
		RetentionWindow: verification.DefaultRetention,
		PurgeInterval:   verification.DefaultPurgeInterval,
		AuditQueueSize:  audit.DefaultQueueSize,
		ValidateRPS:     defaultValidateRPS,
		ValidateBurst:   defaultValidateBurst,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}
	setInt := func(o *int) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			n, err := strconv.Atoi(value)
			if err != nil {
				return err
			}
			*o = n
			return nil
		}
	}
	setFloat := func(o *float64) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return err
			}
			*o = f
			return nil
		}
	}

	setList := func(o *[]string) func(value string) error {
		return func(value string) error {
			var list []string
			for item := range strings.SplitSeq(value, ",") {
				if item = strings.TrimSpace(item); item != "" {
					list = append(list, item)
				}
			}
			if len(list) > 0 {
				*o = list
			}
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":      setString(&c.ListenAddr),
		"DATABASE_URI":     setString(&c.DatabaseDSN),
		"SECRET_KEY":       setString(&c.SecretKey),
		"LOG_LEVEL":        setString(&c.LogLevel),
		"ENVIRONMENT":      setString(&c.Environment),
		"MAX_TOKEN_TTL":    setDuration(&c.MaxTokenTTL),
		"RETENTION_WINDOW": setDuration(&c.RetentionWindow),
		"PURGE_INTERVAL":   setDuration(&c.PurgeInterval),
		"AUDIT_QUEUE_SIZE": setInt(&c.AuditQueueSize),
		"VALIDATE_RPS":     setFloat(&c.ValidateRPS),
		"VALIDATE_BURST":   setInt(&c.ValidateBurst),
		"TRUSTED_PROXIES":  setList(&c.TrustedProxies),
	}

	var errs []error
	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("carepass", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string, in-memory ledger if empty")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Secret key (at least 32 bytes)")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.DurationVarP(&c.MaxTokenTTL, "max-ttl", "m", c.MaxTokenTTL, "Upper bound for token ttl")
	fs.DurationVarP(&c.RetentionWindow, "retention", "r", c.RetentionWindow, "Keep expired tokens that long before purging")
	fs.DurationVarP(&c.PurgeInterval, "purge-interval", "p", c.PurgeInterval, "Retention sweep interval, 0 disables it")
	fs.IntVar(&c.AuditQueueSize, "audit-queue-size", c.AuditQueueSize, "Audit events buffered before dropping")
	fs.Float64Var(&c.ValidateRPS, "validate-rps", c.ValidateRPS, "Validate requests per second per client ip")
	fs.IntVar(&c.ValidateBurst, "validate-burst", c.ValidateBurst, "Validate burst per client ip")
	fs.StringSliceVar(&c.TrustedProxies, "trusted-proxies", c.TrustedProxies, "Proxies whose X-Forwarded-For is trusted (comma separated CIDRs)")

	return fs.Parse(args)
}

// Validate options that can be checked without touching anything else
// The secret key is checked when the signing key is derived.
func (c *Config) Validate() error {
	switch {
	case c.MaxTokenTTL <= 0:
		return errors.New("max token ttl must be positive")
	case c.RetentionWindow <= 0:
		return errors.New("retention window must be positive")
	case c.PurgeInterval < 0:
		return errors.New("purge interval must not be negative")
	case c.AuditQueueSize <= 0:
		return errors.New("audit queue size must be positive")
	case c.ValidateRPS <= 0 || c.ValidateBurst <= 0:
		return errors.New("validate rate limit must be positive")
	}
	return nil
}
