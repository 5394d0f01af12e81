package mysql

import (
	"fmt"
	"strings"

	"github.com/LENAX/pipeline-engine/pkg/storage"
)

// MySQLDialect MySQL方言实现（对外导出）
type MySQLDialect struct{}

// NewMySQLDialect 创建MySQL方言实例
func NewMySQLDialect() *MySQLDialect {
	return &MySQLDialect{}
}

// Name 返回方言名称
func (d *MySQLDialect) Name() string {
	return "mysql"
}

// DriverName 返回驱动名称
func (d *MySQLDialect) DriverName() string {
	return "mysql"
}

// UpsertSQL 返回MySQL的UPSERT语句（使用ON DUPLICATE KEY UPDATE）
func (d *MySQLDialect) UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string {
	updateParts := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updateParts[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		tableName,
		strings.Join(columns, ", "),
		strings.Join(storage.NamedPlaceholders(columns), ", "),
		strings.Join(updateParts, ", "),
	)
}

// InsertIgnoreSQL 返回MySQL的INSERT IGNORE语句
func (d *MySQLDialect) InsertIgnoreSQL(tableName string, columns []string, conflictColumn string) string {
	return fmt.Sprintf(
		"INSERT IGNORE INTO %s (%s) VALUES (%s)",
		tableName,
		strings.Join(columns, ", "),
		strings.Join(storage.NamedPlaceholders(columns), ", "),
	)
}

// CreateTableSQL 转换DDL为MySQL兼容格式
func (d *MySQLDialect) CreateTableSQL(schema string) string {
	// MySQL的TEXT列不能设置默认值，这里只补充引擎与字符集
	result := strings.TrimRight(strings.TrimSpace(schema), ";")
	return result + " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
}

// ConfigureDB MySQL的会话参数由 SessionDSN 写入DSN，这里不需要额外语句
func (d *MySQLDialect) ConfigureDB() []string {
	return nil
}

// 确保实现接口
var _ storage.Dialect = (*MySQLDialect)(nil)
