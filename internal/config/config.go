package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kiranshivaraju/pbsgestor/internal/apperr"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config holds all configuration for the accounting log ingester.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Schema   SchemaConfig   `toml:"schema"`
	Pivot    PivotConfig    `toml:"pivot"`
	Log      LogConfig      `toml:"log"`
	Ingest   IngestConfig   `toml:"ingest"`
	Lease    LeaseConfig    `toml:"lease"`
	Server   ServerConfig   `toml:"server"`
	Logging  LoggingConfig  `toml:"logging"`
}

type DatabaseConfig struct {
	URL                 string   `toml:"url"                  validate:"required"`
	Superuser           string   `toml:"superuser"`
	SuperuserPassword   string   `toml:"superuser_password"`
	MaintenanceDatabase string   `toml:"maintenance_database" validate:"required"`
	MaxConns            int      `toml:"max_conns"            validate:"min=2"`
	MinConns            int      `toml:"min_conns"            validate:"min=0"`
	ConnMaxLifetime     Duration `toml:"conn_max_lifetime"`
}

// SchemaConfig names every database object the ingester owns. All names
// are plain identifiers and are quoted when used.
type SchemaConfig struct {
	Name      string `toml:"name"       validate:"pgident"`
	Jobs      string `toml:"jobs"       validate:"pgident"`
	Resources string `toml:"resources"  validate:"pgident"`
	Progress  string `toml:"progress"   validate:"pgident"`
	Rejects   string `toml:"rejects"    validate:"pgident"`
	PivotView string `toml:"pivot_view" validate:"pgident"`
	JobView   string `toml:"job_view"   validate:"pgident"`
	Extension string `toml:"extension"  validate:"pgident"`
}

type PivotConfig struct {
	RequestedPrefix   string   `toml:"requested_prefix"`
	UsedPrefix        string   `toml:"used_prefix"`
	IntegerResources  []string `toml:"integer_resources"`
	DurationResources []string `toml:"duration_resources"`
	// RefreshSchedule is a cron spec for rebuilding the views. Empty disables it.
	RefreshSchedule   string   `toml:"refresh_schedule"`
}

type LogConfig struct {
	// Dir is the accounting directory. Empty means PBS_HOME/server_priv/accounting
	// read from PBSConf.
	Dir             string   `toml:"dir"`
	PBSConf         string   `toml:"pbs_conf"`
	Timezone        string   `toml:"timezone"`
	RequestedPrefix string   `toml:"requested_attribute_prefix" validate:"required"`
	UsedPrefix      string   `toml:"used_attribute_prefix"      validate:"required"`
	PollInterval    Duration `toml:"poll_interval"`
	RolloverGrace   Duration `toml:"rollover_grace"`
}

type IngestConfig struct {
	BatchSize     int      `toml:"batch_size"     validate:"min=1,max=100000"`
	BatchInterval Duration `toml:"batch_interval"`
	MaxAttempts   int      `toml:"max_attempts"   validate:"min=1"`
	RetryInitial  Duration `toml:"retry_initial"`
	RetryMax      Duration `toml:"retry_max"`
}

type LeaseConfig struct {
	Backend  string   `toml:"backend"   validate:"oneof=postgres redis none"`
	RedisURL string   `toml:"redis_url" validate:"required_if=Backend redis"`
	Key      string   `toml:"key"       validate:"required"`
	TTL      Duration `toml:"ttl"`
}

type ServerConfig struct {
	// Port of the status API. 0 disables it.
	Port int `toml:"port" validate:"min=0,max=65535"`
	// TokenHash is a bcrypt hash of the bearer token. Empty disables auth.
	TokenHash string `toml:"token_hash"`
}

type LoggingConfig struct {
	Level  string `toml:"level"  validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=json text"`
	File   string `toml:"file"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:                 "postgres://pbs_gestor@localhost:5432/pbs_gestor?sslmode=disable",
			Superuser:           "postgres",
			MaintenanceDatabase: "postgres",
			MaxConns:            4,
			MinConns:            1,
			ConnMaxLifetime:     Duration{30 * time.Minute},
		},
		Schema: SchemaConfig{
			Name:      "gestor",
			Jobs:      "jobs",
			Resources: "job_resources",
			Progress:  "log_progress",
			Rejects:   "log_rejects",
			PivotView: "job_resources_pivot",
			JobView:   "job_pivot",
			Extension: "tablefunc",
		},
		Pivot: PivotConfig{
			RequestedPrefix:   "l_",
			UsedPrefix:        "",
			IntegerResources:  []string{"ncpus", "nodect", "mpiprocs", "ompthreads", "ngpus", "nchunk", "cpupercent"},
			DurationResources: []string{"walltime", "cput", "min_walltime", "max_walltime", "soft_walltime"},
			RefreshSchedule:   "@every 10m",
		},
		Log: LogConfig{
			PBSConf:         "/etc/pbs.conf",
			RequestedPrefix: "Resource_List.",
			UsedPrefix:      "resources_used.",
			PollInterval:    Duration{time.Second},
			RolloverGrace:   Duration{2 * time.Minute},
		},
		Ingest: IngestConfig{
			BatchSize:     500,
			BatchInterval: Duration{5 * time.Second},
			MaxAttempts:   8,
			RetryInitial:  Duration{500 * time.Millisecond},
			RetryMax:      Duration{30 * time.Second},
		},
		Lease: LeaseConfig{
			Backend: "postgres",
			Key:     "pbs_gestor",
			TTL:     Duration{15 * time.Second},
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the TOML file at path over the defaults, applies environment
// overrides and returns a validated Config. A missing file yields an error
// matching fs.ErrNotExist; every other failure wraps apperr.ErrConfig.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("open config file %s: %w: %w", path, apperr.ErrConfig, err)
	}
	defer f.Close()

	if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config file %s: %w: %w", path, apperr.ErrConfig, err)
	}

	cfg.applyEnvOverrides()

	if cfg.Log.Dir == "" {
		dir, err := AccountingDir(cfg.Log.PBSConf)
		if err != nil {
			return nil, fmt.Errorf("log.dir is empty and %w: %w", err, apperr.ErrConfig)
		}
		cfg.Log.Dir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrConfig, err)
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	c.Log.Dir = envString("PBS_GESTOR_LOG_DIR", c.Log.Dir)
	c.Log.PBSConf = envString("PBS_CONF_FILE", c.Log.PBSConf)
	c.Log.PollInterval.Duration = envDuration("PBS_GESTOR_POLL_INTERVAL", c.Log.PollInterval.Duration)
	c.Logging.Level = envString("PBS_GESTOR_LOG_LEVEL", c.Logging.Level)
	c.Server.Port = envInt("PBS_GESTOR_PORT", c.Server.Port)
	c.Lease.RedisURL = envString("REDIS_URL", c.Lease.RedisURL)
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("pgident", func(fl validator.FieldLevel) bool {
		return identRe.MatchString(fl.Field().String())
	})
	return v
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("log.timezone: %w", err)
	}

	if c.Log.PollInterval.Duration <= 0 {
		return fmt.Errorf("log.poll_interval must be positive, got %s", c.Log.PollInterval)
	}
	if c.Ingest.BatchInterval.Duration <= 0 {
		return fmt.Errorf("ingest.batch_interval must be positive, got %s", c.Ingest.BatchInterval)
	}
	if c.Ingest.RetryInitial.Duration <= 0 || c.Ingest.RetryMax.Duration < c.Ingest.RetryInitial.Duration {
		return fmt.Errorf("ingest.retry_initial must be positive and not above ingest.retry_max")
	}
	if c.Lease.Backend != "none" && c.Lease.TTL.Duration < time.Second {
		return fmt.Errorf("lease.ttl must be at least 1s, got %s", c.Lease.TTL)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns (%d) exceeds database.max_conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Pivot.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.Pivot.RefreshSchedule); err != nil {
			return fmt.Errorf("pivot.refresh_schedule %q: %w", c.Pivot.RefreshSchedule, err)
		}
	}
	if c.Pivot.RequestedPrefix == c.Pivot.UsedPrefix {
		return fmt.Errorf("pivot.requested_prefix and pivot.used_prefix must differ")
	}

	seen := make(map[string]bool)
	for _, name := range []string{c.Schema.Jobs, c.Schema.Resources, c.Schema.Progress, c.Schema.Rejects, c.Schema.PivotView, c.Schema.JobView} {
		if seen[name] {
			return fmt.Errorf("schema object name %q is used twice", name)
		}
		seen[name] = true
	}

	return nil
}

// Location returns the time zone the scheduler writes its logs in.
func (c *Config) Location() (*time.Location, error) {
	if c.Log.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Log.Timezone)
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
