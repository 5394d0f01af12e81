package postgres

import (
	"fmt"
	"strings"

	"github.com/LENAX/pipeline-engine/pkg/storage"
)

// PostgresDialect PostgreSQL方言实现（对外导出）
type PostgresDialect struct{}

// NewPostgresDialect 创建PostgreSQL方言实例
func NewPostgresDialect() *PostgresDialect {
	return &PostgresDialect{}
}

// Name 返回方言名称
func (d *PostgresDialect) Name() string {
	return "postgres"
}

// DriverName 返回驱动名称
func (d *PostgresDialect) DriverName() string {
	return "postgres"
}

// UpsertSQL 返回PostgreSQL的UPSERT语句（使用ON CONFLICT DO UPDATE）
func (d *PostgresDialect) UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string {
	updateParts := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updateParts[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		tableName,
		strings.Join(columns, ", "),
		strings.Join(storage.NamedPlaceholders(columns), ", "),
		conflictColumn,
		strings.Join(updateParts, ", "),
	)
}

// InsertIgnoreSQL 返回PostgreSQL的ON CONFLICT DO NOTHING语句
func (d *PostgresDialect) InsertIgnoreSQL(tableName string, columns []string, conflictColumn string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		tableName,
		strings.Join(columns, ", "),
		strings.Join(storage.NamedPlaceholders(columns), ", "),
		conflictColumn,
	)
}

// CreateTableSQL 转换DDL为PostgreSQL兼容格式
func (d *PostgresDialect) CreateTableSQL(schema string) string {
	// 替换DATETIME为TIMESTAMP
	return strings.ReplaceAll(schema, "DATETIME", "TIMESTAMP")
}

// ConfigureDB PostgreSQL的会话参数由 SessionDSN 写入DSN，这里不需要额外语句
func (d *PostgresDialect) ConfigureDB() []string {
	return nil
}

// 确保实现接口
var _ storage.Dialect = (*PostgresDialect)(nil)
