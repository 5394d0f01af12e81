package postgres

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Open 打开PostgreSQL数据库（对外导出）
// 会话参数写入DSN，连接池中的每个连接建立时都会应用
func Open(dsn string) (*sqlx.DB, error) {
	d := NewPostgresDialect()
	dsn, err := SessionDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}
	return db, nil
}

// SessionDSN 转为 key=value 形式并补齐 timezone=UTC，pq 会把它作为启动参数发送
// DSN 中已显式设置的 timezone 保持不变
func SessionDSN(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		converted, err := pq.ParseURL(dsn)
		if err != nil {
			return "", fmt.Errorf("解析PostgreSQL DSN失败: %w", err)
		}
		dsn = converted
	}
	if strings.Contains(strings.ToLower(dsn), "timezone=") {
		return dsn, nil
	}
	return strings.TrimSpace(dsn + " timezone=UTC"), nil
}
