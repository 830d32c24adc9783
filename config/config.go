package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/samjbobb/tidemark/sync/db"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	DestinationSnowflake = "snowflake"
	DestinationSQLite    = "sqlite"

	ModeIncremental = "incremental"
	ModeFullRefresh = "full_refresh"
)

type Config struct {
	Sync        SyncCfg
	Source      SourceCfg
	Destination DestinationCfg
	Snowflake   SnowflakeCfg
	SQLite      SQLiteCfg
	Watermark   WatermarkCfg
	Tables      []TableCfg
	Logger      LoggerCfg
}

type SyncCfg struct {
	ChunkSize int `valid:"required"`
	// BatchMaxRows defaults to ChunkSize.
	BatchMaxRows  int
	MaxBatchBytes int
	ReadTimeout   time.Duration `valid:"required"`
	WriteTimeout  time.Duration `valid:"required"`
	MaxAttempts   int           `valid:"required"`
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	// Parallelism is the number of tables synced at the same time.
	Parallelism    int `valid:"required"`
	NormalizeNames bool
	// Schedule is a standard five field cron expression used by the schedule command.
	Schedule string
}

type SourceCfg struct {
	Driver     string `valid:"required,in(mysql|postgres|sqlite)"`
	Connection string `valid:"required"`
}

type DestinationCfg struct {
	Kind        string `valid:"required,in(snowflake|sqlite)"`
	TableFormat string
}

type SnowflakeCfg struct {
	Connection string
	Database   string
	Schema     string
}

type SQLiteCfg struct {
	Path string
}

type WatermarkCfg struct {
	Path string `valid:"required"`
}

type TableCfg struct {
	Name             string `valid:"required"`
	DestinationTable string
	CursorColumn     string
	MergeKey         []string
	Mode             string
	SchemaMap        map[string]string
	Computed         []ComputedCfg
}

type ComputedCfg struct {
	Name  string
	Kind  string
	Value string
}

type LoggerCfg struct {
	Level string
	JSON  bool
}

var DefaultConfig = Config{
	Sync: SyncCfg{
		ChunkSize:     10000,
		MaxBatchBytes: 64 << 20,
		ReadTimeout:   time.Minute * 5,
		WriteTimeout:  time.Minute * 10,
		MaxAttempts:   5,
		BackoffMin:    time.Second,
		BackoffMax:    time.Minute,
		Parallelism:   2,
	},
	Source: SourceCfg{
		Driver:     DriverMySQL,
		Connection: "${MYSQL_DB_USER}:${MYSQL_DB_PASSWORD}@tcp(localhost:3306)/shop?parseTime=true",
	},
	Destination: DestinationCfg{
		Kind: DestinationSnowflake,
	},
	Snowflake: SnowflakeCfg{
		Connection: "",
	},
	Watermark: WatermarkCfg{
		Path: "tidemark-state.db",
	},
	Tables: []TableCfg{
		{
			Name:         "orders",
			CursorColumn: "updated_at",
			MergeKey:     []string{"id"},
			Mode:         ModeIncremental,
			SchemaMap:    map[string]string{"total": string(db.TypeDecimal)},
			Computed:     []ComputedCfg{{Name: "ingested_at", Kind: "ingested_at"}},
		},
	},
	Logger: LoggerCfg{
		Level: "info",
		JSON:  false,
	},
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs error
	if _, err := govalidator.ValidateStruct(c); err != nil {
		errs = multierr.Append(errs, err)
	}

	if c.Sync.BatchMaxRows < 0 || c.Sync.MaxBatchBytes < 0 {
		errs = multierr.Append(errs, fmt.Errorf("batch bounds must not be negative"))
	}
	if c.Sync.BackoffMax < c.Sync.BackoffMin {
		errs = multierr.Append(errs, fmt.Errorf("backoffMax %s is below backoffMin %s", c.Sync.BackoffMax, c.Sync.BackoffMin))
	}
	if c.Sync.Schedule != "" {
		if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("schedule: %w", err))
		}
	}

	switch c.Destination.Kind {
	case DestinationSnowflake:
		if c.Snowflake.Connection == "" {
			errs = multierr.Append(errs, fmt.Errorf("snowflake.connection is required for destination %s", c.Destination.Kind))
		}
	case DestinationSQLite:
		if c.SQLite.Path == "" {
			errs = multierr.Append(errs, fmt.Errorf("sqlite.path is required for destination %s", c.Destination.Kind))
		}
	}

	if len(c.Tables) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("at least one table must be configured"))
	}
	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if seen[t.Name] {
			errs = multierr.Append(errs, fmt.Errorf("table %s is configured twice", t.Name))
		}
		seen[t.Name] = true
		errs = multierr.Append(errs, t.validate())
	}
	return errs
}

func (t TableCfg) validate() error {
	var errs error
	if _, err := govalidator.ValidateStruct(t); err != nil {
		errs = multierr.Append(errs, err)
	}
	if len(t.MergeKey) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("table %s: mergeKey must not be empty", t.Name))
	}
	if t.CursorColumn == "" {
		errs = multierr.Append(errs, fmt.Errorf("table %s: cursorColumn is required", t.Name))
	}
	switch t.Mode {
	case "", ModeIncremental, ModeFullRefresh:
	default:
		errs = multierr.Append(errs, fmt.Errorf("table %s: unknown mode %q", t.Name, t.Mode))
	}
	if _, err := t.Schema(); err != nil {
		errs = multierr.Append(errs, err)
	}
	for _, c := range t.Computed {
		if c.Name == "" || c.Kind == "" {
			errs = multierr.Append(errs, fmt.Errorf("table %s: computed columns need a name and a kind", t.Name))
		}
	}
	return errs
}

// Schema parses the configured column types.
func (t TableCfg) Schema() (db.SchemaMap, error) {
	out := make(db.SchemaMap, len(t.SchemaMap))
	for col, name := range t.SchemaMap {
		typ, err := db.ParseSemanticType(name)
		if err != nil {
			return nil, fmt.Errorf("table %s: column %s: %w", t.Name, col, err)
		}
		out[col] = typ
	}
	return out, nil
}

func GetConf(defaultCfg Config, path string) (*Config, error) {
	cfg := defaultCfg
	cfg.Tables = nil
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvs(v, cfg)
	err := v.ReadInConfig()
	if err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}

	err = v.Unmarshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to decode into config struct: %w", err)
	}
	cfg.expandEnv()

	return &cfg, nil
}

// expandEnv substitutes ${VAR} references in connection strings and paths.
func (c *Config) expandEnv() {
	for _, s := range []*string{&c.Source.Connection, &c.Snowflake.Connection, &c.SQLite.Path, &c.Watermark.Path} {
		*s = os.ExpandEnv(*s)
	}
}

func WriteExampleConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	y := yaml.NewEncoder(f)
	defer y.Close()
	return y.Encode(DefaultConfig)
}

func bindEnvs(v *viper.Viper, iface interface{}, parts ...string) {
	ifv := reflect.ValueOf(iface)
	ift := reflect.TypeOf(iface)
	for i := 0; i < ift.NumField(); i++ {
		fieldv := ifv.Field(i)
		t := ift.Field(i)
		name := strings.ToLower(t.Name)
		tag, exists := t.Tag.Lookup("mapstructure")
		if exists {
			name = tag
		}
		path := append(parts, name)
		switch fieldv.Kind() {
		case reflect.Struct:
			bindEnvs(v, fieldv.Interface(), path...)
		case reflect.Slice:
		default:
			v.BindEnv(strings.Join(path, "."))
		}
	}
}
