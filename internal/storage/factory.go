package storage

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LENAX/pipeline-engine/pkg/storage"
	"github.com/LENAX/pipeline-engine/pkg/storage/mysql"
	"github.com/LENAX/pipeline-engine/pkg/storage/postgres"
	pkgsqlite "github.com/LENAX/pipeline-engine/pkg/storage/sqlite"
	"github.com/LENAX/pipeline-engine/pkg/storage/sqlstore"
)

// PoolOptions 连接池参数（内部使用）
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DatabaseFactory 数据库工厂（内部使用）
type DatabaseFactory struct {
	store *sqlstore.Store
}

// NewDatabaseFactory 创建数据库工厂（内部方法）
// dbType: 数据库类型（sqlite/mysql/postgres）
// dsn: 数据库连接字符串
func NewDatabaseFactory(dbType, dsn string, opts PoolOptions) (*DatabaseFactory, error) {
	var (
		db      *sqlx.DB
		dialect storage.Dialect
		err     error
	)
	switch dbType {
	case "sqlite", "sqlite3":
		db, err = pkgsqlite.Open(dsn)
		dialect = pkgsqlite.NewSQLiteDialect()
	case "mysql":
		db, err = mysql.Open(dsn)
		dialect = mysql.NewMySQLDialect()
	case "postgres", "postgresql":
		db, err = postgres.Open(dsn)
		dialect = postgres.NewPostgresDialect()
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s database failed: %w", dbType, err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	store, err := sqlstore.New(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DatabaseFactory{store: store}, nil
}

// CacheRepository 缓存条目Repository
func (f *DatabaseFactory) CacheRepository() storage.CacheRepository {
	return f.store
}

// RunRepository 运行记录Repository
func (f *DatabaseFactory) RunRepository() storage.RunRepository {
	return f.store
}

// Close 关闭数据库连接
func (f *DatabaseFactory) Close() error {
	return f.store.Close()
}
