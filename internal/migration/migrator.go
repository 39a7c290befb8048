package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// =============================================================================
// 📦 内嵌迁移文件
// =============================================================================

//go:embed migrations
var migrationsFS embed.FS

// DatabaseType 数据库方言
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
)

// DefaultTableName 迁移版本表
const DefaultTableName = "schema_migrations"

// ParseDatabaseType 解析驱动名（含常见别名）
func ParseDatabaseType(s string) (DatabaseType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return DatabaseTypePostgres, nil
	case "mysql", "mariadb":
		return DatabaseTypeMySQL, nil
	case "sqlite", "sqlite3":
		return DatabaseTypeSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database type: %q", s)
	}
}

// Status 迁移状态摘要
type Status struct {
	CurrentVersion uint `json:"current_version"`
	LatestVersion  uint `json:"latest_version"`
	Dirty          bool `json:"dirty"`
	Pending        int  `json:"pending"`
}

// =============================================================================
// 🔄 Migrator
// =============================================================================

// Migrator 基于 golang-migrate 的 journal 表结构迁移器
type Migrator struct {
	dbType   DatabaseType
	migrate  *migrate.Migrate
	versions []uint
	logger   *zap.Logger
}

// New 在已打开的连接上创建迁移器。Close 会关闭 db。
func New(db *sql.DB, dbType DatabaseType, logger *zap.Logger) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("migration: db is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dbDriver, err := databaseDriver(db, dbType)
	if err != nil {
		return nil, err
	}

	dir := "migrations/" + string(dbType)
	source, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("migration: open embedded %s: %w", dir, err)
	}
	versions, err := listVersions(migrationsFS, dir)
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithInstance("iofs", source, string(dbType), dbDriver)
	if err != nil {
		return nil, fmt.Errorf("migration: init: %w", err)
	}

	return &Migrator{
		dbType:   dbType,
		migrate:  m,
		versions: versions,
		logger:   logger.With(zap.String("component", "migrator"), zap.String("dialect", string(dbType))),
	}, nil
}

func databaseDriver(db *sql.DB, dbType DatabaseType) (database.Driver, error) {
	switch dbType {
	case DatabaseTypePostgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: DefaultTableName})
	case DatabaseTypeMySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: DefaultTableName})
	case DatabaseTypeSQLite:
		return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: DefaultTableName})
	default:
		return nil, fmt.Errorf("unsupported database type: %q", dbType)
	}
}

// listVersions 从文件名前缀解析全部版本号，升序
func listVersions(fsys fs.FS, dir string) ([]uint, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("migration: list %s: %w", dir, err)
	}
	seen := make(map[uint]struct{})
	var versions []uint
	for _, e := range entries {
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			continue
		}
		if _, dup := seen[uint(v)]; !dup {
			seen[uint(v)] = struct{}{}
			versions = append(versions, uint(v))
		}
	}
	// ReadDir 按文件名排序，前缀定长
	return versions, nil
}

// watch 在 ctx 取消时请求 golang-migrate 在当前迁移完成后停止
func (m *Migrator) watch(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			select {
			case m.migrate.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()
	return func() { close(done) }
}

// Up 应用全部待执行迁移
func (m *Migrator) Up(ctx context.Context) error {
	defer m.watch(ctx)()
	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	m.logger.Info("migrations applied")
	return nil
}

// Down 回滚最近一次迁移
func (m *Migrator) Down(ctx context.Context) error {
	defer m.watch(ctx)()
	err := m.migrate.Steps(-1)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	m.logger.Info("last migration rolled back")
	return nil
}

// Version 当前版本；未迁移时返回 0
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migration version: %w", err)
	}
	return version, dirty, nil
}

// Status 返回迁移状态摘要
func (m *Migrator) Status() (Status, error) {
	current, dirty, err := m.Version()
	if err != nil {
		return Status{}, err
	}
	st := Status{CurrentVersion: current, Dirty: dirty}
	for _, v := range m.versions {
		if v > current {
			st.Pending++
		}
		st.LatestVersion = v
	}
	return st, nil
}

// Close 释放源与数据库连接
func (m *Migrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	return errors.Join(srcErr, dbErr)
}
