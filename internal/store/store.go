// Package store is the durable, append-only persistence layer for market
// data, subscriptions, sync logs and rate-limit windows.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	// MemoryPath 打开独立的内存 sqlite 库
	MemoryPath = ":memory:"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrSyncLogFinalized  = errors.New("store: sync log already terminal")
	errEmptyDatabasePath = errors.New("store: database path cannot be empty")
)

// Options 选择数据库引擎：sqlite 使用 Path，postgres 使用 DSN。
type Options struct {
	Driver          string
	Path            string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogSQL          bool
}

// Store wraps a gorm connection. All methods are safe for concurrent use.
type Store struct {
	db     *gorm.DB
	driver string
}

func Open(opts Options) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	cfg := &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
		NowFunc:                                  func() time.Time { return time.Now().UTC() },
	}
	if opts.LogSQL {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var (
		dialector gorm.Dialector
		memory    bool
	)
	switch driver {
	case DriverSQLite:
		dsn, mem, err := sqliteDSN(opts.Path)
		if err != nil {
			return nil, err
		}
		memory = mem
		// modernc 注册的驱动名是 "sqlite"，无需 cgo
		dialector = sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn})
	case DriverPostgres:
		if strings.TrimSpace(opts.DSN) == "" {
			return nil, fmt.Errorf("store: postgres dsn cannot be empty")
		}
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", opts.Driver)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	switch {
	case memory:
		// 共享缓存的内存库写入仍然串行，单连接可避免 SQLITE_LOCKED
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	case driver == DriverSQLite:
		sqlDB.SetMaxOpenConns(orDefault(opts.MaxOpenConns, 2))
		sqlDB.SetMaxIdleConns(orDefault(opts.MaxIdleConns, 2))
	default:
		sqlDB.SetMaxOpenConns(orDefault(opts.MaxOpenConns, 16))
		sqlDB.SetMaxIdleConns(orDefault(opts.MaxIdleConns, 4))
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return NewFromDB(db)
}

// OpenMemory 打开一个隔离的内存 sqlite 存储。
func OpenMemory() (*Store, error) {
	return Open(Options{Driver: DriverSQLite, Path: MemoryPath})
}

// NewFromDB 在已有连接上执行表结构迁移。
func NewFromDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: gorm db cannot be nil")
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db, driver: db.Dialector.Name()}, nil
}

func sqliteDSN(path string) (string, bool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", false, errEmptyDatabasePath
	}
	if path == MemoryPath {
		return fmt.Sprintf("file:feedhub-%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", uuid.NewString()), true, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", false, err
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path), false, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GormDB exposes the underlying *gorm.DB.
func (s *Store) GormDB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) Driver() string { return s.driver }

// Ping 检查连通性，供健康检查接口使用。
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
