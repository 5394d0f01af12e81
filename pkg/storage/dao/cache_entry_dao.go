package dao

import (
	"database/sql"
	"time"
)

// CacheEntryDAO cache_entry表的数据访问对象（内部使用）
type CacheEntryDAO struct {
	Identity  string         `db:"identity"`
	TaskName  string         `db:"task_name"`
	Outputs   sql.NullString `db:"outputs"` // JSON格式存储，失败结果为空
	ErrorKind sql.NullString `db:"error_kind"`
	ErrorMsg  sql.NullString `db:"error_msg"`
	StoredAt  time.Time      `db:"stored_at"`
}
