package mysql

import (
	"fmt"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// Open 打开MySQL数据库（对外导出）
// 会话参数写入DSN，连接池中的每个连接建立时都会应用
func Open(dsn string) (*sqlx.DB, error) {
	d := NewMySQLDialect()
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

// SessionDSN 补齐会话参数：时区为UTC，DATETIME 按UTC解析为 time.Time
// DSN 中已显式设置的 time_zone 保持不变
func SessionDSN(dsn string) (string, error) {
	cfg, err := mysqldrv.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("解析MySQL DSN失败: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.Params == nil {
		cfg.Params = make(map[string]string)
	}
	if _, ok := cfg.Params["time_zone"]; !ok {
		cfg.Params["time_zone"] = "'+00:00'"
	}
	return cfg.FormatDSN(), nil
}
