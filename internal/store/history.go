// Package store persists monitoring history (samples, alerts and quota
// violations) to sqlite3 or postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	govErrors "plugin-governor/internal/errors"
	"plugin-governor/internal/logging"
	"plugin-governor/internal/metrics"
	"plugin-governor/internal/monitor"
	"plugin-governor/internal/resource"
	"plugin-governor/internal/retry"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Config configures a HistoryStore
type Config struct {
	Driver        string        `json:"driver"`
	DSN           string        `json:"dsn"`
	BufferSize    int           `json:"buffer_size"`
	BatchSize     int           `json:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval"`
	// Retry covers transient batch failures such as a dropped postgres
	// connection; nil uses retry.DefaultConfig
	Retry *retry.Config `json:"retry"`
}

// DefaultConfig returns a sqlite configuration writing to ./data/governor.db
func DefaultConfig() *Config {
	return &Config{
		Driver:        DriverSQLite,
		DSN:           "./data/governor.db",
		BufferSize:    1000,
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
	}
}

func (c *Config) normalize() {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
}

// SampleQuery filters stored samples. Zero fields match everything.
type SampleQuery struct {
	ResourceID   string
	PluginID     string
	ResourceType string
	Start        time.Time
	End          time.Time
	Limit        int
}

// Stats is a snapshot of store activity
type Stats struct {
	Driver           string    `json:"driver"`
	Running          bool      `json:"running"`
	SamplesStored    int64     `json:"samples_stored"`
	AlertsStored     int64     `json:"alerts_stored"`
	ViolationsStored int64     `json:"violations_stored"`
	Dropped          int64     `json:"dropped"`
	Batches          int64     `json:"batches"`
	FailedBatches    int64     `json:"failed_batches"`
	Buffered         int       `json:"buffered"`
	LastFlush        time.Time `json:"last_flush,omitempty"`
}

// record is one buffered write; exactly one pointer is set
type record struct {
	sample    *monitor.Sample
	alert     *monitor.PerformanceAlert
	violation *monitor.QuotaViolation
}

// HistoryStore buffers monitor output and writes it in batches
type HistoryStore struct {
	db      *sql.DB
	config  Config
	logger  logging.Logger
	metrics *metrics.Metrics
	retrier *retry.Retrier

	writeBuffer chan record
	batch       []record

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	samplesStored    atomic.Int64
	alertsStored     atomic.Int64
	violationsStored atomic.Int64
	dropped          atomic.Int64
	batches          atomic.Int64
	failedBatches    atomic.Int64
	lastFlush        atomic.Int64
}

// Open connects to the database and creates the schema
func Open(config *Config, logger logging.Logger, m *metrics.Metrics) (*HistoryStore, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	cfg.normalize()

	dsn, err := dataSource(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, govErrors.WrapStoreError(fmt.Errorf("failed to open database: %w", err), "open")
	}

	if cfg.Driver == DriverSQLite {
		// One writer connection avoids "database is locked" between the
		// batch writer and purges.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	s := &HistoryStore{
		db:          db,
		config:      cfg,
		logger:      logging.OrNoOp(logger).WithComponent("history_store"),
		metrics:     m,
		retrier:     retry.New(cfg.Retry),
		writeBuffer: make(chan record, cfg.BufferSize),
		batch:       make([]record, 0, cfg.BatchSize),
		ctx:         ctx,
		cancel:      cancel,
	}

	if err := s.initSchema(ctx); err != nil {
		cancel()
		db.Close()
		return nil, govErrors.WrapStoreError(fmt.Errorf("failed to initialize schema: %w", err), "init_schema")
	}

	s.logger.Info("History store opened", "driver", cfg.Driver)
	return s, nil
}

func dataSource(driver, dsn string) (string, error) {
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			return "", govErrors.InvalidArgument("sqlite dsn cannot be empty")
		}
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if dir := filepath.Dir(dsn); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return "", fmt.Errorf("failed to create database directory: %w", err)
				}
			}
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "_journal_mode=WAL&_sync=NORMAL&_busy_timeout=5000", nil
	case DriverPostgres:
		if dsn == "" {
			return "", govErrors.InvalidArgument("postgres dsn cannot be empty")
		}
		return dsn, nil
	default:
		return "", govErrors.InvalidArgument("unsupported store driver: %s", driver)
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS samples (
		resource_id TEXT NOT NULL,
		plugin_id TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		ts BIGINT NOT NULL,
		cpu_usage_percent DOUBLE PRECISION NOT NULL,
		memory_usage_bytes BIGINT NOT NULL,
		access_count BIGINT NOT NULL,
		error_count BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_samples_resource ON samples(resource_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_samples_ts ON samples(ts)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		plugin_id TEXT NOT NULL,
		alert_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		ts BIGINT NOT NULL,
		payload TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
	`CREATE TABLE IF NOT EXISTS violations (
		id TEXT PRIMARY KEY,
		plugin_id TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		quota_name TEXT NOT NULL,
		severity TEXT NOT NULL,
		ts BIGINT NOT NULL,
		payload TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_violations_ts ON violations(ts)`,
}

func (s *HistoryStore) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres
func (s *HistoryStore) rebind(query string) string {
	if s.config.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Start launches the write processor
func (s *HistoryStore) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("history store already running")
	}
	if s.ctx.Err() != nil {
		return errors.New("history store is closed")
	}

	s.writeBuffer = make(chan record, s.config.BufferSize)
	s.wg.Add(1)
	go s.writeProcessor(s.writeBuffer)
	s.running = true
	s.logger.Info("History store started", "batch_size", s.config.BatchSize, "flush_interval", s.config.FlushInterval)
	return nil
}

// Stop drains buffered writes and stops the write processor. The database
// stays open for reads until Close.
func (s *HistoryStore) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.New("history store not running")
	}
	s.running = false
	buffer := s.writeBuffer
	s.mu.Unlock()

	close(buffer)
	s.wg.Wait()
	s.logger.Info("History store stopped", "samples_stored", s.samplesStored.Load())
	return nil
}

// Close stops the store if needed and closes the database
func (s *HistoryStore) Close() error {
	if s.IsRunning() {
		if err := s.Stop(); err != nil {
			return err
		}
	}
	s.cancel()
	return s.db.Close()
}

// IsRunning reports whether the write processor is running
func (s *HistoryStore) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// enqueue never blocks; a full buffer or a stopped store drops the record
func (s *HistoryStore) enqueue(r record) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.running {
		select {
		case s.writeBuffer <- r:
			return true
		default:
		}
	}
	s.dropped.Add(1)
	s.metrics.RecordStoreDrop()
	return false
}

// RecordSample queues a metric sample
func (s *HistoryStore) RecordSample(sample monitor.Sample) {
	s.enqueue(record{sample: &sample})
}

// RecordAlert queues a performance alert
func (s *HistoryStore) RecordAlert(alert monitor.PerformanceAlert) {
	s.enqueue(record{alert: &alert})
}

// RecordViolation queues a quota violation
func (s *HistoryStore) RecordViolation(violation monitor.QuotaViolation) {
	s.enqueue(record{violation: &violation})
}

func (s *HistoryStore) writeProcessor(buffer <-chan record) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-buffer:
			if !ok {
				s.flush()
				return
			}
			s.batch = append(s.batch, r)
			if len(s.batch) >= s.config.BatchSize {
				s.flush()
			}
		case <-ticker.C:
			s.flush()
		}
	}
}

// flush writes the pending batch in one transaction. A failed batch is
// logged and discarded.
func (s *HistoryStore) flush() {
	if len(s.batch) == 0 {
		return
	}
	defer func() { s.batch = s.batch[:0] }()

	start := time.Now()
	var samples, alerts, violations int64
	result := s.retrier.Do(s.ctx, func(ctx context.Context) error {
		var err error
		samples, alerts, violations, err = s.writeBatch(ctx, s.batch)
		return err
	})
	if result.Err != nil {
		s.failedBatches.Add(1)
		logging.LogError(s.logger, "Failed to write history batch", govErrors.WrapStoreError(result.Err, "flush"),
			"records", len(s.batch), "attempts", result.Attempts)
		return
	}

	s.samplesStored.Add(samples)
	s.alertsStored.Add(alerts)
	s.violationsStored.Add(violations)
	s.batches.Add(1)
	s.lastFlush.Store(time.Now().UnixNano())
	s.logger.Debug("Flushed history batch", "records", len(s.batch), "duration", time.Since(start))
}

func (s *HistoryStore) writeBatch(ctx context.Context, batch []record) (samples, alerts, violations int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	sampleStmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO samples
		(resource_id, plugin_id, resource_type, ts, cpu_usage_percent, memory_usage_bytes, access_count, error_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer sampleStmt.Close()

	for _, r := range batch {
		switch {
		case r.sample != nil:
			sm := r.sample
			if _, err = sampleStmt.ExecContext(ctx, sm.ResourceID, sm.PluginID, sm.ResourceType.String(),
				sm.Timestamp.UnixNano(), sm.CPUUsagePercent, sm.MemoryUsageBytes, sm.AccessCount, sm.ErrorCount); err != nil {
				return 0, 0, 0, fmt.Errorf("failed to insert sample: %w", err)
			}
			samples++
		case r.alert != nil:
			if err = s.insertAlert(ctx, tx, r.alert); err != nil {
				return 0, 0, 0, err
			}
			alerts++
		case r.violation != nil:
			if err = s.insertViolation(ctx, tx, r.violation); err != nil {
				return 0, 0, 0, err
			}
			violations++
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return samples, alerts, violations, nil
}

func (s *HistoryStore) insertAlert(ctx context.Context, tx *sql.Tx, a *monitor.PerformanceAlert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO alerts
		(id, resource_id, plugin_id, alert_type, severity, ts, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.ResourceID, a.PluginID, string(a.Type), string(a.Severity), a.Timestamp.UnixNano(), string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (s *HistoryStore) insertViolation(ctx context.Context, tx *sql.Tx, v *monitor.QuotaViolation) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode violation: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO violations
		(id, plugin_id, resource_type, quota_name, severity, ts, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		v.ID, v.PluginID, v.ResourceType.String(), v.QuotaName, string(v.Severity), v.Timestamp.UnixNano(), string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert violation: %w", err)
	}
	return nil
}

// Samples returns stored samples matching q, oldest first
func (s *HistoryStore) Samples(ctx context.Context, q SampleQuery) ([]monitor.Sample, error) {
	query := `SELECT resource_id, plugin_id, resource_type, ts, cpu_usage_percent, memory_usage_bytes, access_count, error_count FROM samples`

	var conditions []string
	var args []interface{}
	if q.ResourceID != "" {
		conditions = append(conditions, "resource_id = ?")
		args = append(args, q.ResourceID)
	}
	if q.PluginID != "" {
		conditions = append(conditions, "plugin_id = ?")
		args = append(args, q.PluginID)
	}
	if q.ResourceType != "" {
		conditions = append(conditions, "resource_type = ?")
		args = append(args, q.ResourceType)
	}
	if !q.Start.IsZero() {
		conditions = append(conditions, "ts >= ?")
		args = append(args, q.Start.UnixNano())
	}
	if !q.End.IsZero() {
		conditions = append(conditions, "ts <= ?")
		args = append(args, q.End.UnixNano())
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY ts ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, govErrors.WrapStoreError(fmt.Errorf("failed to query samples: %w", err), "samples")
	}
	defer rows.Close()

	out := make([]monitor.Sample, 0)
	for rows.Next() {
		var (
			sm    monitor.Sample
			rtype string
			ts    int64
		)
		if err := rows.Scan(&sm.ResourceID, &sm.PluginID, &rtype, &ts,
			&sm.CPUUsagePercent, &sm.MemoryUsageBytes, &sm.AccessCount, &sm.ErrorCount); err != nil {
			return nil, govErrors.WrapStoreError(fmt.Errorf("failed to scan sample: %w", err), "samples")
		}
		if t, err := resource.ParseResourceType(rtype); err == nil {
			sm.ResourceType = t
		}
		sm.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, govErrors.WrapStoreError(fmt.Errorf("error iterating rows: %w", err), "samples")
	}
	return out, nil
}

// Alerts returns up to limit stored alerts, newest first
func (s *HistoryStore) Alerts(ctx context.Context, limit int) ([]monitor.PerformanceAlert, error) {
	payloads, err := s.payloads(ctx, "alerts", limit)
	if err != nil {
		return nil, err
	}
	out := make([]monitor.PerformanceAlert, 0, len(payloads))
	for _, p := range payloads {
		var a monitor.PerformanceAlert
		if err := json.Unmarshal([]byte(p), &a); err != nil {
			s.logger.Warn("Skipping undecodable alert", "error", err)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Violations returns up to limit stored quota violations, newest first
func (s *HistoryStore) Violations(ctx context.Context, limit int) ([]monitor.QuotaViolation, error) {
	payloads, err := s.payloads(ctx, "violations", limit)
	if err != nil {
		return nil, err
	}
	out := make([]monitor.QuotaViolation, 0, len(payloads))
	for _, p := range payloads {
		var v monitor.QuotaViolation
		if err := json.Unmarshal([]byte(p), &v); err != nil {
			s.logger.Warn("Skipping undecodable violation", "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *HistoryStore) payloads(ctx context.Context, table string, limit int) ([]string, error) {
	query := "SELECT payload FROM " + table + " ORDER BY ts DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, govErrors.WrapStoreError(fmt.Errorf("failed to query %s: %w", table, err), table)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, govErrors.WrapStoreError(fmt.Errorf("failed to scan %s: %w", table, err), table)
		}
		out = append(out, p)
	}
	return out, govErrors.WrapStoreError(rows.Err(), table)
}

// Purge deletes samples, alerts and violations older than before and
// returns how many rows were removed
func (s *HistoryStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, govErrors.WrapStoreError(fmt.Errorf("failed to begin transaction: %w", err), "purge")
	}

	var total int64
	for _, table := range []string{"samples", "alerts", "violations"} {
		res, err := tx.ExecContext(ctx, s.rebind("DELETE FROM "+table+" WHERE ts < ?"), before.UnixNano())
		if err != nil {
			_ = tx.Rollback()
			return 0, govErrors.WrapStoreError(fmt.Errorf("failed to purge %s: %w", table, err), "purge")
		}
		n, err := res.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return 0, govErrors.WrapStoreError(fmt.Errorf("failed to get rows affected: %w", err), "purge")
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, govErrors.WrapStoreError(fmt.Errorf("failed to commit purge: %w", err), "purge")
	}
	if total > 0 {
		s.logger.Info("Purged history", "rows", total, "before", before)
	}
	return total, nil
}

// Stats returns a snapshot of store activity
func (s *HistoryStore) Stats() Stats {
	s.mu.RLock()
	running, buffered := s.running, len(s.writeBuffer)
	s.mu.RUnlock()

	st := Stats{
		Driver:           s.config.Driver,
		Running:          running,
		SamplesStored:    s.samplesStored.Load(),
		AlertsStored:     s.alertsStored.Load(),
		ViolationsStored: s.violationsStored.Load(),
		Dropped:          s.dropped.Load(),
		Batches:          s.batches.Load(),
		FailedBatches:    s.failedBatches.Load(),
		Buffered:         buffered,
	}
	if ns := s.lastFlush.Load(); ns > 0 {
		st.LastFlush = time.Unix(0, ns)
	}
	return st
}

var (
	_ monitor.SampleSink = (*HistoryStore)(nil)
	_ monitor.Purger     = (*HistoryStore)(nil)
)
