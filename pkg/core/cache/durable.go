package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/LENAX/pipeline-engine/pkg/core/task"
	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
	"github.com/LENAX/pipeline-engine/pkg/storage"
	"github.com/LENAX/pipeline-engine/pkg/storage/dao"
)

// DurableStore 基于数据库的持久化缓存（对外导出）
// 已写入的条目不可变，读取走 sync.Map 无需加锁；写入在单个互斥区内完成
type DurableStore struct {
	repo      storage.CacheRepository
	finalized sync.Map // identity -> *Entry
	mu        sync.Mutex
}

// NewDurableStore 创建持久化缓存（对外导出）
func NewDurableStore(repo storage.CacheRepository) (*DurableStore, error) {
	if repo == nil {
		return nil, fmt.Errorf("缓存Repository不能为空")
	}
	return &DurableStore{repo: repo}, nil
}

// Lookup 查询缓存
func (s *DurableStore) Lookup(ctx context.Context, identity string) (*Entry, bool, error) {
	if identity == "" {
		return nil, false, nil
	}
	if v, ok := s.finalized.Load(identity); ok {
		return v.(*Entry), true, nil
	}
	row, err := s.repo.GetCacheEntry(ctx, identity)
	if err != nil {
		return nil, false, err
	}
	if row == nil {
		return nil, false, nil
	}
	entry, err := entryFromDAO(row)
	if err != nil {
		return nil, false, err
	}
	actual, _ := s.finalized.LoadOrStore(identity, entry)
	return actual.(*Entry), true, nil
}

// Store 写入缓存；并发写入同一标识时以先写入者为准，再做一致性比较
func (s *DurableStore) Store(ctx context.Context, identity, taskName string, outcome Outcome) error {
	if identity == "" {
		return fmt.Errorf("内容标识不能为空")
	}
	canonical, err := canonicalOutcome(outcome)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.Lookup(ctx, identity)
	if err != nil {
		return err
	}
	if ok {
		return checkConsistent(identity, taskName, existing.Outcome, canonical)
	}

	row, err := entryToDAO(identity, taskName, canonical)
	if err != nil {
		return err
	}
	inserted, err := s.repo.InsertCacheEntry(ctx, row)
	if err != nil {
		return err
	}
	if !inserted {
		// 其他进程抢先写入
		existing, ok, err := s.Lookup(ctx, identity)
		if err != nil {
			return err
		}
		if ok {
			return checkConsistent(identity, taskName, existing.Outcome, canonical)
		}
		return fmt.Errorf("缓存条目 %s 写入冲突但无法读取", shortID(identity))
	}
	s.finalized.Store(identity, &Entry{Identity: identity, TaskName: taskName, Outcome: canonical, StoredAt: row.StoredAt})
	return nil
}

// List 按写入时间倒序列出
func (s *DurableStore) List(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := s.repo.ListCacheEntries(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := entryFromDAO(row)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// Count 条目数
func (s *DurableStore) Count(ctx context.Context) (int, error) {
	return s.repo.CountCacheEntries(ctx)
}

func entryToDAO(identity, taskName string, o Outcome) (*dao.CacheEntryDAO, error) {
	row := &dao.CacheEntryDAO{
		Identity: identity,
		TaskName: taskName,
		StoredAt: time.Now().UTC(),
	}
	if o.Succeeded() {
		data, err := json.Marshal(o.Outputs)
		if err != nil {
			return nil, fmt.Errorf("结果无法序列化: %w", err)
		}
		row.Outputs = sql.NullString{String: string(data), Valid: true}
		return row, nil
	}
	row.ErrorKind = sql.NullString{String: string(o.ErrorKind), Valid: true}
	row.ErrorMsg = sql.NullString{String: o.ErrorMessage, Valid: o.ErrorMessage != ""}
	return row, nil
}

func entryFromDAO(row *dao.CacheEntryDAO) (*Entry, error) {
	entry := &Entry{Identity: row.Identity, TaskName: row.TaskName, StoredAt: row.StoredAt}
	if row.ErrorKind.Valid && row.ErrorKind.String != "" {
		entry.Outcome.ErrorKind = perrors.Kind(row.ErrorKind.String)
		entry.Outcome.ErrorMessage = row.ErrorMsg.String
		return entry, nil
	}
	if row.Outputs.Valid {
		values, err := decodeValues([]byte(row.Outputs.String))
		if err != nil {
			return nil, fmt.Errorf("缓存条目 %s 解析失败: %w", shortID(row.Identity), err)
		}
		entry.Outcome.Outputs = values
	}
	if entry.Outcome.Outputs == nil {
		entry.Outcome.Outputs = task.Values{}
	}
	return entry, nil
}

// 确保实现接口
var (
	_ Store  = (*MemoryStore)(nil)
	_ Store  = (*DurableStore)(nil)
	_ Lister = (*MemoryStore)(nil)
	_ Lister = (*DurableStore)(nil)
)
