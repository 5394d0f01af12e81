// Package sqlstore 基于sqlx的缓存与运行记录存储，按方言适配不同数据库
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/LENAX/pipeline-engine/pkg/storage"
	"github.com/LENAX/pipeline-engine/pkg/storage/dao"
)

const (
	cacheTable = "cache_entry"
	runTable   = "run_summary"
)

var (
	cacheColumns = []string{"identity", "task_name", "outputs", "error_kind", "error_msg", "stored_at"}
	runColumns   = []string{"id", "pipeline", "status", "exit_code", "started_at", "finished_at", "summary"}
)

var schemas = []string{
	`CREATE TABLE IF NOT EXISTS cache_entry (
		identity VARCHAR(128) PRIMARY KEY,
		task_name VARCHAR(255) NOT NULL,
		outputs TEXT,
		error_kind VARCHAR(64),
		error_msg TEXT,
		stored_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS run_summary (
		id VARCHAR(64) PRIMARY KEY,
		pipeline VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		exit_code INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		summary TEXT NOT NULL
	)`,
}

// Store 缓存条目与运行记录的SQL实现（对外导出）
type Store struct {
	db      *sqlx.DB
	dialect storage.Dialect
}

// New 创建Store并初始化表结构（对外导出）
func New(db *sqlx.DB, dialect storage.Dialect) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("数据库连接不能为空")
	}
	if dialect == nil {
		return nil, fmt.Errorf("SQL方言不能为空")
	}
	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	for _, schema := range schemas {
		if _, err := s.db.Exec(s.dialect.CreateTableSQL(schema)); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭数据库连接（对外导出）
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetCacheEntry 按内容标识读取缓存条目
func (s *Store) GetCacheEntry(ctx context.Context, identity string) (*dao.CacheEntryDAO, error) {
	query := s.db.Rebind("SELECT identity, task_name, outputs, error_kind, error_msg, stored_at FROM cache_entry WHERE identity = ?")
	var entry dao.CacheEntryDAO
	if err := s.db.GetContext(ctx, &entry, query, identity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询缓存条目失败: %w", err)
	}
	return &entry, nil
}

// InsertCacheEntry 写入缓存条目，标识冲突时保持原值
func (s *Store) InsertCacheEntry(ctx context.Context, entry *dao.CacheEntryDAO) (bool, error) {
	query := s.dialect.InsertIgnoreSQL(cacheTable, cacheColumns, "identity")
	res, err := s.db.NamedExecContext(ctx, query, entry)
	if err != nil {
		return false, fmt.Errorf("写入缓存条目失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("读取影响行数失败: %w", err)
	}
	return n > 0, nil
}

// ListCacheEntries 按写入时间倒序列出缓存条目
func (s *Store) ListCacheEntries(ctx context.Context, limit int) ([]*dao.CacheEntryDAO, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.db.Rebind("SELECT identity, task_name, outputs, error_kind, error_msg, stored_at FROM cache_entry ORDER BY stored_at DESC, identity LIMIT ?")
	entries := make([]*dao.CacheEntryDAO, 0)
	if err := s.db.SelectContext(ctx, &entries, query, limit); err != nil {
		return nil, fmt.Errorf("查询缓存条目失败: %w", err)
	}
	return entries, nil
}

// CountCacheEntries 缓存条目总数
func (s *Store) CountCacheEntries(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM cache_entry"); err != nil {
		return 0, fmt.Errorf("统计缓存条目失败: %w", err)
	}
	return n, nil
}

// SaveRun 保存运行记录
func (s *Store) SaveRun(ctx context.Context, run *dao.RunDAO) error {
	query := s.dialect.UpsertSQL(runTable, runColumns, "id", runColumns[1:])
	if _, err := s.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("保存运行记录失败: %w", err)
	}
	return nil
}

// GetRun 按ID读取运行记录
func (s *Store) GetRun(ctx context.Context, id string) (*dao.RunDAO, error) {
	query := s.db.Rebind("SELECT id, pipeline, status, exit_code, started_at, finished_at, summary FROM run_summary WHERE id = ?")
	var run dao.RunDAO
	if err := s.db.GetContext(ctx, &run, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询运行记录失败: %w", err)
	}
	return &run, nil
}

// ListRuns 按开始时间倒序列出运行记录
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*dao.RunDAO, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Rebind("SELECT id, pipeline, status, exit_code, started_at, finished_at, summary FROM run_summary ORDER BY started_at DESC, id LIMIT ?")
	runs := make([]*dao.RunDAO, 0)
	if err := s.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, fmt.Errorf("查询运行记录失败: %w", err)
	}
	return runs, nil
}

// 确保实现接口
var (
	_ storage.CacheRepository = (*Store)(nil)
	_ storage.RunRepository   = (*Store)(nil)
)
