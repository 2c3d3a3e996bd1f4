package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"signalhub/observability"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	defaultPoolSize = 5

	connectAttempts  = 3
	connectBaseDelay = 100 * time.Millisecond
	primeAttempts    = 5
	primeBaseDelay   = 500 * time.Millisecond
)

// Config selects the backing database and tunes resilience.
type Config struct {
	Driver           string
	DSN              string
	PoolSize         int
	BreakerThreshold int
	BreakerReset     time.Duration
}

// Option customises a Store at Open time.
type Option func(*Store)

// WithLogger sets the logger used for breaker transitions and retries.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock used for timestamps and the breaker window.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// withSleep overrides the retry backoff sleeper (test only).
func withSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(s *Store) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// Store is the pooled, retrying, circuit-breaker-wrapped peer identity store.
type Store struct {
	db       *gorm.DB
	sqlDB    *sql.DB
	breaker  *Breaker
	poolSize int

	logger  *slog.Logger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	metrics *observability.RendezvousMetrics
}

// Open connects to the configured database, primes the connection pool and
// bootstraps the schema. Connection creation and pool priming are retried with
// backoff; exhausting either budget is fatal to the caller.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	s := &Store{
		now:     time.Now,
		sleep:   sleepContext,
		metrics: observability.Rendezvous(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.poolSize = cfg.PoolSize
	if s.poolSize <= 0 {
		s.poolSize = defaultPoolSize
	}
	s.breaker = NewBreaker(cfg.BreakerThreshold, cfg.BreakerReset, s.now)

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	exponential := func(attempt int) time.Duration { return connectBaseDelay << attempt }
	if err := s.retry(ctx, "connect", connectAttempts, exponential, func() error {
		return s.connect(ctx, dialector)
	}); err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	s.sqlDB.SetMaxOpenConns(s.poolSize)
	s.sqlDB.SetMaxIdleConns(s.poolSize)

	linear := func(attempt int) time.Duration { return primeBaseDelay * time.Duration(attempt+1) }
	if err := s.retry(ctx, "prime pool", primeAttempts, linear, func() error {
		return s.prime(ctx)
	}); err != nil {
		_ = s.sqlDB.Close()
		return nil, fmt.Errorf("prime connection pool: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(&PeerRow{}); err != nil {
		_ = s.sqlDB.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	s.log().Info("database ready",
		slog.String("driver", driverName(cfg.Driver)),
		slog.Int("pool_size", s.poolSize))
	return s, nil
}

func dialectorFor(cfg Config) (gorm.Dialector, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, ErrPathRequired
	}
	switch driverName(cfg.Driver) {
	case DriverSQLite:
		return sqlite.Open(dsn), nil
	case DriverPostgres:
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

func driverName(driver string) string {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		return DriverSQLite
	}
	return driver
}

func (s *Store) connect(ctx context.Context, dialector gorm.Dialector) error {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return s.now().UTC() },
	})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return err
	}
	s.db = db
	s.sqlDB = sqlDB
	return nil
}

// prime checks out every pool slot at once so the pool is warm and each
// connection has answered a ping before traffic arrives.
func (s *Store) prime(ctx context.Context) error {
	conns := make([]*sql.Conn, 0, s.poolSize)
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()
	for i := 0; i < s.poolSize; i++ {
		conn, err := s.sqlDB.Conn(ctx)
		if err != nil {
			return err
		}
		conns = append(conns, conn)
		if err := conn.PingContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) retry(ctx context.Context, what string, attempts int, delay func(int) time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		wait := delay(attempt)
		s.log().Warn("database operation failed, retrying",
			slog.String("op", what),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", attempts),
			slog.Duration("backoff", wait),
			slog.Any("error", err))
		if sleepErr := s.sleep(ctx, wait); sleepErr != nil {
			return sleepErr
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, attempts, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// do runs fn on a dedicated pooled connection behind the circuit breaker. The
// connection is probed with SELECT 1 before use. ErrNotFound and ErrIDTaken
// are answers, not failures, and count as successes for the breaker.
func (s *Store) do(ctx context.Context, op string, fn func(conn *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	if err := s.breaker.Allow(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err := s.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if probeErr := conn.Exec("SELECT 1").Error; probeErr != nil {
			return fmt.Errorf("%w: %v", ErrConnUnhealthy, probeErr)
		}
		return fn(conn)
	})
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrIDTaken) {
		if s.breaker.Success() {
			s.log().Info("database circuit breaker closed")
		}
		s.metrics.SetBreakerOpen(false)
		return err
	}
	s.metrics.RecordStoreFailure(op)
	if s.breaker.Failure() {
		s.log().Warn("database circuit breaker open, store degraded",
			slog.String("op", op),
			slog.Int("failures", s.breaker.Failures()),
			slog.Any("error", err))
		s.metrics.SetBreakerOpen(true)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Breaker exposes the circuit breaker for health reporting.
func (s *Store) Breaker() *Breaker {
	if s == nil {
		return nil
	}
	return s.breaker
}

// Healthy returns ErrCircuitOpen while the breaker refuses calls.
func (s *Store) Healthy() error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	if s.breaker.IsOpen() {
		return ErrCircuitOpen
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return slog.Default().With(slog.String("component", "storage"))
}
