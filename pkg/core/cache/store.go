package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/LENAX/pipeline-engine/pkg/core/task"
	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
)

// Outcome 一次执行的结果：成功时为输出，失败时为错误类别
type Outcome struct {
	Outputs      task.Values  `json:"outputs,omitempty"`
	ErrorKind    perrors.Kind `json:"error_kind,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// Succeeded 是否为成功结果
func (o Outcome) Succeeded() bool {
	return o.ErrorKind == ""
}

// Err 失败结果还原为结构化错误
func (o Outcome) Err(instance string) error {
	if o.Succeeded() {
		return nil
	}
	return perrors.New(o.ErrorKind, instance, o.ErrorMessage)
}

// Entry 缓存条目，写入后不可变
type Entry struct {
	Identity string
	TaskName string
	Outcome  Outcome
	StoredAt time.Time
}

// Store 内容寻址缓存接口（对外导出）
type Store interface {
	// Lookup 命中时返回条目，未命中返回 nil, false
	Lookup(ctx context.Context, identity string) (*Entry, bool, error)
	// Store 每个标识只写入一次；相同结果重复写入是幂等的，不同结果返回 CacheConsistencyError
	Store(ctx context.Context, identity, taskName string, outcome Outcome) error
}

// Lister 可枚举的缓存
type Lister interface {
	List(ctx context.Context, limit int) ([]*Entry, error)
	Count(ctx context.Context) (int, error)
}

// MemoryStore 进程内缓存实现（对外导出）
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore 创建内存缓存实例（对外导出）
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// Lookup 查询缓存
func (s *MemoryStore) Lookup(_ context.Context, identity string) (*Entry, bool, error) {
	if identity == "" {
		return nil, false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[identity]
	return entry, ok, nil
}

// Store 写入缓存
func (s *MemoryStore) Store(_ context.Context, identity, taskName string, outcome Outcome) error {
	if identity == "" {
		return fmt.Errorf("内容标识不能为空")
	}
	canonical, err := canonicalOutcome(outcome)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[identity]; ok {
		return checkConsistent(identity, taskName, existing.Outcome, canonical)
	}
	s.entries[identity] = &Entry{
		Identity: identity,
		TaskName: taskName,
		Outcome:  canonical,
		StoredAt: time.Now(),
	}
	return nil
}

// List 按写入时间倒序列出
func (s *MemoryStore) List(_ context.Context, limit int) ([]*Entry, error) {
	s.mu.RLock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StoredAt.Equal(out[j].StoredAt) {
			return out[i].Identity < out[j].Identity
		}
		return out[i].StoredAt.After(out[j].StoredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count 条目数
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Canonicalize 返回输出经JSON往返后的副本，与从持久化缓存读回的值形态一致
func Canonicalize(values task.Values) (task.Values, error) {
	if values == nil {
		return task.Values{}, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("结果无法序列化: %w", err)
	}
	out, err := decodeValues(data)
	if err != nil {
		return nil, fmt.Errorf("结果无法反序列化: %w", err)
	}
	return out, nil
}

// decodeValues 解码JSON对象；float64 能精确表示的数值还原为 float64，
// 超出 2^53 的整数保留为 int64 或 uint64
func decodeValues(data []byte) (task.Values, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	out := task.Values{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	for k, v := range out {
		out[k] = restoreNumbers(v)
	}
	return out, nil
}

func restoreNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		return numberValue(val)
	case []interface{}:
		for i := range val {
			val[i] = restoreNumbers(val[i])
		}
		return val
	case map[string]interface{}:
		for k := range val {
			val[k] = restoreNumbers(val[k])
		}
		return val
	}
	return v
}

const maxExactFloat = 1 << 53

func numberValue(n json.Number) interface{} {
	if i, err := n.Int64(); err == nil {
		if i > -maxExactFloat && i < maxExactFloat {
			return float64(i)
		}
		return i
	}
	if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		return u
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	// 超出 uint64 的整数原样保留，内容标识按文本精确计算
	return n
}

// canonicalOutcome 复制一份规范化的结果，缓存中的值不与调用方共享可变状态
func canonicalOutcome(o Outcome) (Outcome, error) {
	out := Outcome{ErrorKind: o.ErrorKind, ErrorMessage: o.ErrorMessage}
	if !o.Succeeded() {
		return out, nil
	}
	values, err := Canonicalize(o.Outputs)
	if err != nil {
		return Outcome{}, err
	}
	out.Outputs = values
	return out, nil
}

// checkConsistent 同一标识的两次结果必须一致：失败比较错误类别，成功比较规范化后的输出
func checkConsistent(identity, taskName string, existing, incoming Outcome) error {
	if existing.ErrorKind != incoming.ErrorKind {
		return perrors.Newf(perrors.KindCacheConsistency, taskName,
			"identity %s stored as %q, got %q", shortID(identity), kindLabel(existing.ErrorKind), kindLabel(incoming.ErrorKind))
	}
	if !existing.Succeeded() {
		return nil
	}
	a, err := json.Marshal(existing.Outputs)
	if err != nil {
		return err
	}
	b, err := json.Marshal(incoming.Outputs)
	if err != nil {
		return err
	}
	if !bytes.Equal(a, b) {
		return perrors.Newf(perrors.KindCacheConsistency, taskName,
			"identity %s stored different outputs: %s != %s", shortID(identity), a, b)
	}
	return nil
}

func kindLabel(k perrors.Kind) string {
	if k == "" {
		return "success"
	}
	return string(k)
}

func shortID(identity string) string {
	if len(identity) > 12 {
		return identity[:12]
	}
	return identity
}
