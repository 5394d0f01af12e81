package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// driverName 带连接钩子的 sqlite3 驱动
const driverName = "sqlite3_pipeline"

func init() {
	// PRAGMA 是连接级设置，每个新连接建立时执行一遍
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, pragma := range NewSQLiteDialect().ConfigureDB() {
				if _, err := conn.Exec(pragma, nil); err != nil {
					return fmt.Errorf("配置SQLite失败: %w", err)
				}
			}
			return nil
		},
	})
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

// Open 打开SQLite数据库，连接池中的每个连接都应用PRAGMA配置（对外导出）
func Open(dsn string) (*sqlx.DB, error) {
	d := NewSQLiteDialect()
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
