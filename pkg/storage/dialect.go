package storage

// Dialect SQL方言接口（对外导出）
// 封装不同数据库的SQL语法差异
type Dialect interface {
	// Name 返回方言名称（如 "sqlite", "mysql", "postgres"）
	Name() string

	// DriverName 返回 database/sql 驱动名称
	DriverName() string

	// UpsertSQL 返回INSERT或UPDATE的SQL语句（sqlx命名参数形式）
	// tableName: 表名
	// columns: 列名列表
	// conflictColumn: 冲突判断列（通常是主键）
	// updateColumns: 需要更新的列（不含主键）
	UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string

	// InsertIgnoreSQL 返回主键冲突时不做任何修改的INSERT语句
	// 缓存条目一旦写入即不可变，先写入者生效
	InsertIgnoreSQL(tableName string, columns []string, conflictColumn string) string

	// CreateTableSQL 返回创建表的DDL语句
	// 不同数据库的DDL可能有细微差异
	CreateTableSQL(schema string) string

	// ConfigureDB 每个新连接上执行的SQL语句（如SQLite的PRAGMA）
	// 会话参数能写入DSN的数据库返回空
	ConfigureDB() []string
}

// NamedPlaceholders 返回 :col 形式的命名参数列表
func NamedPlaceholders(columns []string) []string {
	out := make([]string, len(columns))
	for i, col := range columns {
		out[i] = ":" + col
	}
	return out
}
