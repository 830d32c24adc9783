package supervisor

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/samjbobb/tidemark/config"
	"github.com/samjbobb/tidemark/source"
	"github.com/samjbobb/tidemark/source/postgres"
	"github.com/samjbobb/tidemark/source/sqlsource"
	"github.com/samjbobb/tidemark/sync/db"
	"github.com/samjbobb/tidemark/sync/service"
	"github.com/samjbobb/tidemark/sync/transform"
	"github.com/samjbobb/tidemark/sync/watermark"
	"github.com/samjbobb/tidemark/target"
	"github.com/samjbobb/tidemark/target/snowflake"
	"github.com/samjbobb/tidemark/target/sqlite"
)

type Supervisor struct {
	cfg *config.Config
}

func NewSupervisor(cfg *config.Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// Load reads and validates the config file and sets up logging.
func Load(configFile string) (*Supervisor, error) {
	cfg, err := config.GetConf(config.DefaultConfig, configFile)
	if err != nil {
		return nil, err
	}
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	initLogger(cfg.Logger)
	return NewSupervisor(cfg), nil
}

// WithSignals returns a context cancelled on SIGINT or SIGTERM.
func WithSignals(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case sig := <-c:
			logrus.WithField("signal", sig.String()).Infoln("stopping after the current batches")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Run syncs every configured table once, at most sync.parallelism at a time. A failing table does not stop the
// others; the returned error combines the errors of every failed table.
func (s *Supervisor) Run(ctx context.Context) (results []*service.Result, err error) {
	store, err := watermark.OpenSQLite(ctx, s.cfg.Watermark.Path)
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	reader, err := openSource(ctx, s.cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("error opening source: %w", err)
	}
	defer func() { err = multierr.Append(err, reader.Close()) }()

	tgt, err := openTarget(ctx, s.cfg)
	if err != nil {
		return nil, fmt.Errorf("error opening destination: %w", err)
	}
	defer func() { err = multierr.Append(err, tgt.Close(context.WithoutCancel(ctx))) }()
	logrus.Infoln(tgt)

	return s.runTables(ctx, reader, tgt, store)
}

func (s *Supervisor) runTables(ctx context.Context, reader source.ChunkReader, tgt target.Target, store watermark.Store) ([]*service.Result, error) {
	runID := uuid.NewString()
	results := make([]*service.Result, len(s.cfg.Tables))
	errs := make([]error, len(s.cfg.Tables))

	var g errgroup.Group
	g.SetLimit(s.cfg.Sync.Parallelism)
	for idx, table := range s.cfg.Tables {
		idx, table := idx, table
		g.Go(func() error {
			pcfg, err := pipelineConfig(s.cfg, table, runID)
			if err != nil {
				errs[idx] = err
				return nil
			}
			o, err := service.NewOrchestrator(pcfg, reader, tgt, store)
			if err != nil {
				errs[idx] = err
				return nil
			}
			results[idx], errs[idx] = o.Run(ctx)
			logSummary(results[idx])
			return nil
		})
	}
	_ = g.Wait()
	return results, multierr.Combine(errs...)
}

// Schedule runs all tables on sync.schedule until ctx is cancelled. A tick that fires while the previous run is
// still going is skipped.
func (s *Supervisor) Schedule(ctx context.Context) error {
	if s.cfg.Sync.Schedule == "" {
		return fmt.Errorf("sync.schedule is not set")
	}
	logger := cron.PrintfLogger(logrus.StandardLogger())
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(logger)))
	_, err := c.AddFunc(s.cfg.Sync.Schedule, func() { s.scheduledRun(ctx) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.cfg.Sync.Schedule, err)
	}
	c.Start()
	logrus.WithField("schedule", s.cfg.Sync.Schedule).Infoln("scheduler started")

	<-ctx.Done()
	<-c.Stop().Done()
	logrus.Infoln("scheduler stopped")
	return nil
}

func (s *Supervisor) scheduledRun(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Run(ctx); err != nil {
		logrus.WithError(err).Errorln("scheduled run failed")
	}
}

// Watermarks lists the stored watermark of every table.
func (s *Supervisor) Watermarks(ctx context.Context) ([]watermark.Record, error) {
	store, err := watermark.OpenSQLite(ctx, s.cfg.Watermark.Path)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.List(ctx)
}

// ResetWatermark deletes a table's watermark so its next incremental run starts with a full scan.
func (s *Supervisor) ResetWatermark(ctx context.Context, table string) (err error) {
	store, err := watermark.OpenSQLite(ctx, s.cfg.Watermark.Path)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()
	if err := store.Delete(ctx, table); err != nil {
		return err
	}
	logrus.WithField("table", table).Infoln("watermark reset")
	return nil
}

func logSummary(res *service.Result) {
	if res == nil {
		return
	}
	entry := logrus.WithFields(res.Fields())
	if res.Err != nil {
		entry.Errorln("sync failed")
		return
	}
	entry.Infoln("sync finished")
}

func pipelineConfig(cfg *config.Config, table config.TableCfg, runID string) (service.Config, error) {
	schema, err := table.Schema()
	if err != nil {
		return service.Config{}, err
	}
	computed := make([]transform.Computed, len(table.Computed))
	for idx, c := range table.Computed {
		computed[idx] = transform.Computed{Name: c.Name, Kind: transform.ComputedKind(c.Kind), Value: c.Value}
	}
	return service.Config{
		Table:            table.Name,
		DestinationTable: table.DestinationTable,
		CursorColumn:     table.CursorColumn,
		MergeKey:         db.MergeKey(table.MergeKey),
		Mode:             service.Mode(table.Mode),
		TableFormat:      cfg.Destination.TableFormat,
		Schema:           schema,
		Computed:         computed,
		NormalizeNames:   cfg.Sync.NormalizeNames,
		ChunkSize:        cfg.Sync.ChunkSize,
		BatchMaxRows:     cfg.Sync.BatchMaxRows,
		MaxBatchBytes:    cfg.Sync.MaxBatchBytes,
		ReadTimeout:      cfg.Sync.ReadTimeout,
		WriteTimeout:     cfg.Sync.WriteTimeout,
		MaxAttempts:      cfg.Sync.MaxAttempts,
		BackoffMin:       cfg.Sync.BackoffMin,
		BackoffMax:       cfg.Sync.BackoffMax,
		RunID:            runID,
	}, nil
}

// initLogger sets up logrus from the config
func initLogger(cfg config.LoggerCfg) {
	if cfg.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		logrus.SetReportCaller(true)
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logrus.Warnln("invalid log level in config", cfg.Level)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stdout)
}

func openSource(ctx context.Context, cfg config.SourceCfg) (source.ChunkReader, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.Connection)
	case config.DriverMySQL:
		return sqlsource.Open(ctx, sqlsource.DriverMySQL, cfg.Connection)
	case config.DriverSQLite:
		return sqlsource.Open(ctx, sqlsource.DriverSQLite, cfg.Connection)
	}
	return nil, fmt.Errorf("unsupported source driver %q", cfg.Driver)
}

func openTarget(ctx context.Context, cfg *config.Config) (target.Target, error) {
	switch cfg.Destination.Kind {
	case config.DestinationSQLite:
		return sqlite.NewTarget(ctx, cfg.SQLite.Path)
	case config.DestinationSnowflake:
		sfConn, err := initSnowflakeConnection(cfg.Snowflake)
		if err != nil {
			return nil, err
		}
		t, err := snowflake.NewTarget(ctx, sfConn, cfg.Snowflake.Database, cfg.Snowflake.Schema)
		if err != nil {
			return nil, multierr.Append(err, sfConn.Close())
		}
		return t, nil
	}
	return nil, fmt.Errorf("unsupported destination %q", cfg.Destination.Kind)
}

func initSnowflakeConnection(cfg config.SnowflakeCfg) (*sql.DB, error) {
	joinChar := "?"
	if strings.Contains(cfg.Connection, "?") {
		joinChar = "&"
	}
	connStr := fmt.Sprintf("%s%sclient_session_keep_alive=true", cfg.Connection, joinChar)
	sf, err := sql.Open("snowflake", connStr)
	if err != nil {
		return nil, fmt.Errorf("could not connect to snowflake: %w", err)
	}
	return sf, nil
}
