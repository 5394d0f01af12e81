package storage

import (
	"context"

	"github.com/LENAX/pipeline-engine/pkg/storage/dao"
)

// CacheRepository 内容寻址缓存的持久化接口（对外导出）
type CacheRepository interface {
	// GetCacheEntry 按内容标识读取，不存在时返回 nil, nil
	GetCacheEntry(ctx context.Context, identity string) (*dao.CacheEntryDAO, error)
	// InsertCacheEntry 写入新条目；标识已存在时不修改并返回 false
	InsertCacheEntry(ctx context.Context, entry *dao.CacheEntryDAO) (bool, error)
	// ListCacheEntries 按写入时间倒序列出
	ListCacheEntries(ctx context.Context, limit int) ([]*dao.CacheEntryDAO, error)
	// CountCacheEntries 条目总数
	CountCacheEntries(ctx context.Context) (int, error)
}

// RunRepository 运行记录的持久化接口（对外导出）
type RunRepository interface {
	// SaveRun 保存或覆盖运行记录
	SaveRun(ctx context.Context, run *dao.RunDAO) error
	// GetRun 按ID读取，不存在时返回 nil, nil
	GetRun(ctx context.Context, id string) (*dao.RunDAO, error)
	// ListRuns 按开始时间倒序列出
	ListRuns(ctx context.Context, limit int) ([]*dao.RunDAO, error)
}
