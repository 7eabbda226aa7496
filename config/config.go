/*
Package config loads the service configuration.

SOURCES (later wins):
  1. Defaults below
  2. Optional config file (YAML, TOML or JSON, by extension)
  3. Environment, including a .env file loaded at startup

Keys are upper-case environment names (SAKA_ENABLED, FINANCE_COMMISSION_RATE,
...). In a config file the same names are used in lower case.

Map-valued settings use "reason=value" lists:
  SAKA_BASE_REWARDS="content_read=10,poll_vote=5"
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/warp/ledger-engine/finance"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/saka"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Log            LogConfig
	AMQP           AMQPConfig
	Scheduler      SchedulerConfig
	Retry          ledger.RetryPolicy
	SAKA           saka.Config
	Compost        saka.CompostConfig
	Redistribution saka.RedistributionConfig
	Finance        finance.Config
}

type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type DatabaseConfig struct {
	Driver string // "sqlite", "postgres" or "memory"
	DSN    string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// AMQPConfig is optional; an empty URL logs events instead of publishing.
type AMQPConfig struct {
	URL         string
	Exchange    string
	DialTimeout time.Duration
}

type SchedulerConfig struct {
	Enabled            bool
	CompostSpec        string
	RedistributionSpec string
}

// LoadEnv loads a .env file into the process environment. A missing file
// is not an error.
func LoadEnv(paths ...string) error {
	err := godotenv.Load(paths...)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("HTTP_ALLOWED_ORIGINS", "*")

	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_DSN", "ledger.db")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)

	v.SetDefault("AMQP_URL", "")
	v.SetDefault("AMQP_EXCHANGE", "ledger.events")
	v.SetDefault("AMQP_DIAL_TIMEOUT", "10s")

	v.SetDefault("SCHEDULER_ENABLED", true)
	v.SetDefault("COMPOST_SCHEDULE", "0 3 * * *")          // daily at 03:00
	v.SetDefault("REDISTRIBUTION_SCHEDULE", "0 4 * * MON") // Mondays at 04:00

	retry := ledger.DefaultRetryPolicy()
	v.SetDefault("RETRY_MAX_ATTEMPTS", retry.MaxAttempts)
	v.SetDefault("RETRY_BASE_DELAY", retry.BaseDelay.String())
	v.SetDefault("RETRY_MAX_DELAY", retry.MaxDelay.String())

	s := saka.DefaultConfig()
	v.SetDefault("SAKA_ENABLED", s.Enabled)
	v.SetDefault("SAKA_BASE_REWARDS", formatPairs(s.BaseRewards))
	v.SetDefault("SAKA_DAILY_CAPS", formatPairs(s.DailyCaps))
	v.SetDefault("SAKA_MANUAL_PER_TRANSACTION", s.ManualPerTransaction)
	v.SetDefault("SAKA_MANUAL_ROLLING", s.ManualRolling)
	v.SetDefault("SAKA_MANUAL_WINDOW", s.ManualWindow.String())
	v.SetDefault("SAKA_TIMEZONE", "UTC")

	c := saka.DefaultCompostConfig()
	v.SetDefault("COMPOST_ENABLED", c.Enabled)
	v.SetDefault("COMPOST_INACTIVITY_DAYS", c.InactivityDays)
	v.SetDefault("COMPOST_RATE", c.Rate.String())
	v.SetDefault("COMPOST_MIN_BALANCE", c.MinBalance)
	v.SetDefault("COMPOST_MIN_AMOUNT", c.MinAmount)
	v.SetDefault("COMPOST_BATCH_SIZE", c.BatchSize)

	r := saka.DefaultRedistributionConfig()
	v.SetDefault("REDISTRIBUTION_ENABLED", r.Enabled)
	v.SetDefault("REDISTRIBUTION_RATE", r.Rate.String())
	v.SetDefault("REDISTRIBUTION_MIN_ACTIVITY", r.MinActivity)
	v.SetDefault("REDISTRIBUTION_BATCH_SIZE", r.BatchSize)

	f := finance.DefaultConfig()
	v.SetDefault("FINANCE_COMMISSION_RATE", f.CommissionRate.String())
	v.SetDefault("FINANCE_ESTIMATED_FEE_RATE", f.EstimatedFeeRate.String())
	v.SetDefault("FINANCE_MAX_PLEDGE", f.MaxPledge.String())
	v.SetDefault("FINANCE_EQUITY_ENABLED", f.EquityEnabled)
	v.SetDefault("FINANCE_COMMISSION_OWNER", string(f.CommissionOwner))
	v.SetDefault("FINANCE_TIP_OWNER", string(f.TipOwner))
	v.SetDefault("FINANCE_PROJECT_OWNER_PREFIX", f.ProjectOwnerPrefix)
	v.SetDefault("FINANCE_RELEASE_BATCH_SIZE", f.ReleaseBatchSize)
	v.SetDefault("FINANCE_NOTIFY_TIMEOUT", f.NotifyTimeout.String())
}

// Load reads configuration from the environment and, when path is not
// empty, from a config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	p := &parser{v: v}
	cfg := &Config{
		Server: ServerConfig{
			Addr:            v.GetString("HTTP_ADDR"),
			ShutdownTimeout: p.duration("HTTP_SHUTDOWN_TIMEOUT"),
			AllowedOrigins:  splitList(v.GetString("HTTP_ALLOWED_ORIGINS")),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("DB_DRIVER")),
			DSN:    v.GetString("DB_DSN"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Pretty: v.GetBool("LOG_PRETTY"),
		},
		AMQP: AMQPConfig{
			URL:         v.GetString("AMQP_URL"),
			Exchange:    v.GetString("AMQP_EXCHANGE"),
			DialTimeout: p.duration("AMQP_DIAL_TIMEOUT"),
		},
		Scheduler: SchedulerConfig{
			Enabled:            v.GetBool("SCHEDULER_ENABLED"),
			CompostSpec:        v.GetString("COMPOST_SCHEDULE"),
			RedistributionSpec: v.GetString("REDISTRIBUTION_SCHEDULE"),
		},
		Retry: ledger.RetryPolicy{
			MaxAttempts: v.GetInt("RETRY_MAX_ATTEMPTS"),
			BaseDelay:   p.duration("RETRY_BASE_DELAY"),
			MaxDelay:    p.duration("RETRY_MAX_DELAY"),
		},
		SAKA: saka.Config{
			Enabled:              v.GetBool("SAKA_ENABLED"),
			BaseRewards:          p.pairs("SAKA_BASE_REWARDS"),
			ManualPerTransaction: v.GetInt64("SAKA_MANUAL_PER_TRANSACTION"),
			ManualRolling:        v.GetInt64("SAKA_MANUAL_ROLLING"),
			ManualWindow:         p.duration("SAKA_MANUAL_WINDOW"),
			Location:             p.location("SAKA_TIMEZONE"),
		},
		Compost: saka.CompostConfig{
			Enabled:        v.GetBool("COMPOST_ENABLED"),
			InactivityDays: v.GetInt("COMPOST_INACTIVITY_DAYS"),
			Rate:           p.decimal("COMPOST_RATE"),
			MinBalance:     v.GetInt64("COMPOST_MIN_BALANCE"),
			MinAmount:      v.GetInt64("COMPOST_MIN_AMOUNT"),
			BatchSize:      v.GetInt("COMPOST_BATCH_SIZE"),
		},
		Redistribution: saka.RedistributionConfig{
			Enabled:     v.GetBool("REDISTRIBUTION_ENABLED"),
			Rate:        p.decimal("REDISTRIBUTION_RATE"),
			MinActivity: v.GetInt64("REDISTRIBUTION_MIN_ACTIVITY"),
			BatchSize:   v.GetInt("REDISTRIBUTION_BATCH_SIZE"),
		},
		Finance: finance.Config{
			CommissionRate:     p.decimal("FINANCE_COMMISSION_RATE"),
			EstimatedFeeRate:   p.decimal("FINANCE_ESTIMATED_FEE_RATE"),
			MaxPledge:          p.decimal("FINANCE_MAX_PLEDGE"),
			EquityEnabled:      v.GetBool("FINANCE_EQUITY_ENABLED"),
			CommissionOwner:    ledger.OwnerID(v.GetString("FINANCE_COMMISSION_OWNER")),
			TipOwner:           ledger.OwnerID(v.GetString("FINANCE_TIP_OWNER")),
			ProjectOwnerPrefix: v.GetString("FINANCE_PROJECT_OWNER_PREFIX"),
			ReleaseBatchSize:   v.GetInt("FINANCE_RELEASE_BATCH_SIZE"),
			NotifyTimeout:      p.duration("FINANCE_NOTIFY_TIMEOUT"),
		},
	}
	caps := p.pairs("SAKA_DAILY_CAPS")
	cfg.SAKA.DailyCaps = make(map[saka.Reason]int, len(caps))
	for reason, n := range caps {
		cfg.SAKA.DailyCaps[reason] = int(n)
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER: unknown driver %q", c.Database.Driver))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	one := decimal.NewFromInt(1)
	if c.Compost.Rate.IsNegative() || c.Compost.Rate.GreaterThan(one) {
		errs = append(errs, fmt.Errorf("COMPOST_RATE must be within 0..1, got %s", c.Compost.Rate))
	}
	if c.Finance.CommissionRate.Add(c.Finance.EstimatedFeeRate).GreaterThan(one) {
		errs = append(errs, errors.New("FINANCE_COMMISSION_RATE + FINANCE_ESTIMATED_FEE_RATE exceed 1"))
	}
	if c.Finance.CommissionOwner == "" || c.Finance.TipOwner == "" {
		errs = append(errs, errors.New("system wallet owners must not be empty"))
	}
	return errors.Join(errs...)
}

// =============================================================================
// PARSING
// =============================================================================

// parser keeps the first error so fromViper reads like a plain struct
// literal.
type parser struct {
	v   *viper.Viper
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
}

func (p *parser) duration(key string) time.Duration {
	d, err := time.ParseDuration(p.v.GetString(key))
	if err != nil {
		p.fail(key, err)
	}
	return d
}

func (p *parser) decimal(key string) decimal.Decimal {
	d, err := decimal.NewFromString(p.v.GetString(key))
	if err != nil {
		p.fail(key, err)
	}
	return d
}

func (p *parser) location(key string) *time.Location {
	loc, err := time.LoadLocation(p.v.GetString(key))
	if err != nil {
		p.fail(key, err)
		return time.UTC
	}
	return loc
}

func (p *parser) pairs(key string) map[saka.Reason]int64 {
	out := make(map[saka.Reason]int64)
	for _, item := range splitList(p.v.GetString(key)) {
		name, value, ok := strings.Cut(item, "=")
		if !ok {
			p.fail(key, fmt.Errorf("expected reason=value, got %q", item))
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			p.fail(key, err)
			continue
		}
		out[saka.Reason(strings.TrimSpace(name))] = n
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func formatPairs[V int | int64](m map[saka.Reason]V) string {
	items := make([]string, 0, len(m))
	for k, v := range m {
		items = append(items, fmt.Sprintf("%s=%d", k, v))
	}
	return strings.Join(items, ",")
}
