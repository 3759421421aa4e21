package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/flightcover/pkg/access"
	"github.com/Mindburn-Labs/flightcover/pkg/finance"
	"github.com/Mindburn-Labs/flightcover/pkg/identity"
	"github.com/Mindburn-Labs/flightcover/pkg/oracle"
)

// Config holds server configuration.
type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	DatabaseURL string `yaml:"database_url"` // empty selects SQLite lite mode
	DataDir     string `yaml:"data_dir"`
	RedisAddr   string `yaml:"redis_addr"` // empty keeps per-policy locks in process
	JWTSecret   string `yaml:"jwt_secret"`

	EngineAddress string `yaml:"engine_address"`
	FeeBalance    string `yaml:"fee_balance"`
	PoolCapacity  string `yaml:"pool_capacity"`

	Oracle OracleConfig `yaml:"oracle"`
	API    APIConfig    `yaml:"api"`
	Grants []GrantSpec  `yaml:"grants"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`
}

// OracleConfig is the initial oracle setup.
type OracleConfig struct {
	Address      string  `yaml:"address"`
	DelaySeconds int64   `yaml:"delay_seconds"`
	Fee          string  `yaml:"fee"`
	DataJobID    string  `yaml:"data_job_id"`
	SleepJobID   string  `yaml:"sleep_job_id"`
	Endpoint     string  `yaml:"endpoint"` // empty records requests in memory
	Token        string  `yaml:"token"`
	RateLimit    float64 `yaml:"rate_limit"`
	Burst        int     `yaml:"burst"`
}

// APIConfig bounds inbound traffic.
type APIConfig struct {
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// GrantSpec grants a role on this engine to an account.
type GrantSpec struct {
	Role    string `yaml:"role"`
	Account string `yaml:"account"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		Port:          "8080",
		LogLevel:      "INFO",
		LogFormat:     "json",
		DataDir:       "data",
		EngineAddress: "0x5fbdb2315678afecb367f032d93f642f64180aa3",
		FeeBalance:    "100",
		PoolCapacity:  "0",
		Oracle: OracleConfig{
			Address:      "0x90f79bf6eb2c4f870365e785982e1f101e93b906",
			DelaySeconds: 30,
			Fee:          "0.1",
			DataJobID:    "0x2fb0c3a36f924e4ab43040291e14e0b7",
			SleepJobID:   "0xb93734c968d741a4930571586f30d0e0",
			RateLimit:    2,
			Burst:        10,
		},
		API: APIConfig{
			RateLimit: 50,
			Burst:     100,
		},
		OTelEndpoint: "localhost:4317",
	}
}

// Load reads the YAML file named by FLIGHTCOVER_CONFIG, if any, over the
// defaults and then applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("FLIGHTCOVER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.DataDir, "FLIGHTCOVER_DATA_DIR")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.JWTSecret, "JWT_SECRET")
	setString(&c.EngineAddress, "ENGINE_ADDRESS")
	setString(&c.FeeBalance, "FEE_WALLET_BALANCE")
	setString(&c.PoolCapacity, "POOL_CAPACITY")
	setString(&c.Oracle.Address, "ORACLE_ADDRESS")
	setString(&c.Oracle.Fee, "ORACLE_FEE")
	setString(&c.Oracle.DataJobID, "ORACLE_DATA_JOB_ID")
	setString(&c.Oracle.SleepJobID, "ORACLE_SLEEP_JOB_ID")
	setString(&c.Oracle.Endpoint, "ORACLE_ENDPOINT")
	setString(&c.Oracle.Token, "ORACLE_TOKEN")
	setString(&c.OTelEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	var errs []error
	errs = append(errs,
		setInt64(&c.Oracle.DelaySeconds, "ORACLE_DELAY_SECONDS"),
		setFloat(&c.Oracle.RateLimit, "ORACLE_RATE_LIMIT"),
		setInt(&c.Oracle.Burst, "ORACLE_BURST"),
		setFloat(&c.API.RateLimit, "API_RATE_LIMIT"),
		setInt(&c.API.Burst, "API_BURST"),
	)
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		c.OTelEnabled = v == "true"
	}

	// Shorthands for the two usual operator accounts.
	if acct := os.Getenv("BACKEND_ACCOUNT"); acct != "" {
		c.Grants = append(c.Grants,
			GrantSpec{Role: string(access.RolePricer), Account: acct},
			GrantSpec{Role: string(access.RoleResolver), Account: acct},
		)
	}
	if acct := os.Getenv("ADMIN_ACCOUNT"); acct != "" {
		c.Grants = append(c.Grants, GrantSpec{Role: string(access.RoleOracleAdmin), Account: acct})
	}
	return errors.Join(errs...)
}

// Validate checks that every typed value parses.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Engine(); err != nil {
		errs = append(errs, fmt.Errorf("engine_address: %w", err))
	}
	if _, err := c.OracleParams(); err != nil {
		errs = append(errs, fmt.Errorf("oracle: %w", err))
	}
	if _, err := finance.ParseAmount(c.FeeBalance, finance.WadScale); err != nil {
		errs = append(errs, fmt.Errorf("fee_balance: %w", err))
	}
	if _, err := finance.ParseAmount(c.PoolCapacity, finance.CurrencyScale); err != nil {
		errs = append(errs, fmt.Errorf("pool_capacity: %w", err))
	}
	if _, err := c.RoleGrants(); err != nil {
		errs = append(errs, err)
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("jwt_secret must be at least 32 bytes"))
	}
	return errors.Join(errs...)
}

func (c *Config) Engine() (identity.Address, error) {
	return identity.ParseAddress(c.EngineAddress)
}

// OracleParams builds the initial oracle params.
func (c *Config) OracleParams() (oracle.Params, error) {
	var p oracle.Params
	var err error
	if p.Oracle, err = identity.ParseAddress(c.Oracle.Address); err != nil {
		return p, fmt.Errorf("address: %w", err)
	}
	if p.Fee, err = finance.ParseAmount(c.Oracle.Fee, finance.WadScale); err != nil {
		return p, fmt.Errorf("fee: %w", err)
	}
	if p.DataJob, err = oracle.ParseJobID(c.Oracle.DataJobID); err != nil {
		return p, fmt.Errorf("data_job_id: %w", err)
	}
	if p.SleepJob, err = oracle.ParseJobID(c.Oracle.SleepJobID); err != nil {
		return p, fmt.Errorf("sleep_job_id: %w", err)
	}
	p.DelayTime = time.Duration(c.Oracle.DelaySeconds) * time.Second
	return p, p.Validate()
}

// RoleGrant is a parsed GrantSpec.
type RoleGrant struct {
	Role    access.Role
	Account identity.Address
}

func (c *Config) RoleGrants() ([]RoleGrant, error) {
	out := make([]RoleGrant, 0, len(c.Grants))
	for i, g := range c.Grants {
		role := access.Role(g.Role)
		switch role {
		case access.RolePricer, access.RoleResolver, access.RoleOracleAdmin:
		default:
			return nil, fmt.Errorf("grants[%d]: unknown role %q", i, g.Role)
		}
		acct, err := identity.ParseAddress(g.Account)
		if err != nil {
			return nil, fmt.Errorf("grants[%d]: %w", i, err)
		}
		out = append(out, RoleGrant{Role: role, Account: acct})
	}
	return out, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}
