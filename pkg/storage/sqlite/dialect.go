package sqlite

import (
	"fmt"
	"strings"

	"github.com/LENAX/pipeline-engine/pkg/storage"
)

// SQLiteDialect SQLite方言实现（对外导出）
type SQLiteDialect struct{}

// NewSQLiteDialect 创建SQLite方言实例
func NewSQLiteDialect() *SQLiteDialect {
	return &SQLiteDialect{}
}

// Name 返回方言名称
func (d *SQLiteDialect) Name() string {
	return "sqlite"
}

// DriverName 返回驱动名称，注册在 open.go，带连接钩子
func (d *SQLiteDialect) DriverName() string {
	return driverName
}

// UpsertSQL 返回SQLite的UPSERT语句
func (d *SQLiteDialect) UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string {
	// 为了兼容性，使用 INSERT OR REPLACE
	return fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		tableName,
		strings.Join(columns, ", "),
		strings.Join(storage.NamedPlaceholders(columns), ", "),
	)
}

// InsertIgnoreSQL 返回SQLite的INSERT OR IGNORE语句
func (d *SQLiteDialect) InsertIgnoreSQL(tableName string, columns []string, conflictColumn string) string {
	return fmt.Sprintf(
		"INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		tableName,
		strings.Join(columns, ", "),
		strings.Join(storage.NamedPlaceholders(columns), ", "),
	)
}

// CreateTableSQL 返回创建表的DDL（SQLite原样返回）
func (d *SQLiteDialect) CreateTableSQL(schema string) string {
	return schema
}

// ConfigureDB 返回每个新连接上执行的PRAGMA
func (d *SQLiteDialect) ConfigureDB() []string {
	return []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=30000;",
		"PRAGMA wal_autocheckpoint=1000;",
		"PRAGMA synchronous=NORMAL;",
	}
}

// 确保实现接口
var _ storage.Dialect = (*SQLiteDialect)(nil)
