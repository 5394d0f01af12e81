package dao

import "time"

// RunDAO run_summary表的数据访问对象（内部使用）
type RunDAO struct {
	ID         string    `db:"id"`
	Pipeline   string    `db:"pipeline"`
	Status     string    `db:"status"`
	ExitCode   int       `db:"exit_code"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
	Summary    string    `db:"summary"` // JSON格式存储的实例明细
}
