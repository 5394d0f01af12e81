// Package sink 把任务的最终输出复制到持久化位置（对外导出）
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LENAX/pipeline-engine/pkg/core/task"
	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
)

// 路径模板占位符
const (
	PlaceholderRun    = "{run}"
	PlaceholderTask   = "{task}"
	PlaceholderOutput = "{output}"
	PlaceholderIndex  = "{index}"
)

// Binding (task, output) -> 目标路径模板
type Binding struct {
	Task   string `json:"task" yaml:"task"`
	Output string `json:"output" yaml:"output"`
	Path   string `json:"path" yaml:"path"`
}

// OutputDeclarer 用于校验绑定是否引用了已声明的任务输出
type OutputDeclarer interface {
	Task(name string) (*task.Task, bool)
}

// Artifact 一次物化的结果
type Artifact struct {
	Task     string `json:"task"`
	Output   string `json:"output"`
	Index    int    `json:"index"`
	Location string `json:"location"`
}

// Sink 输出物化器（对外导出）
type Sink struct {
	writer   Writer
	logger   *zap.Logger
	mu       sync.RWMutex
	bindings map[string][]Binding
}

// New 创建Sink
func New(writer Writer, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{writer: writer, logger: logger, bindings: make(map[string][]Binding)}
}

// Bind 注册一个输出绑定
func (s *Sink) Bind(taskName, output, pathTemplate string) error {
	if taskName == "" || output == "" {
		return perrors.New(perrors.KindUnknownName, taskName, "sink binding needs task and output names")
	}
	if strings.TrimSpace(pathTemplate) == "" {
		return fmt.Errorf("输出 %s.%s 的目标路径不能为空", taskName, output)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bindings[taskName] {
		if b.Output == output && b.Path == pathTemplate {
			return perrors.Newf(perrors.KindRebind, taskName, "output %s already bound to %s", output, pathTemplate)
		}
	}
	s.bindings[taskName] = append(s.bindings[taskName], Binding{Task: taskName, Output: output, Path: pathTemplate})
	return nil
}

// Validate 绑定引用的任务与输出必须存在
func (s *Sink) Validate(decl OutputDeclarer) error {
	for _, b := range s.Bindings() {
		t, ok := decl.Task(b.Task)
		if !ok {
			return perrors.Newf(perrors.KindUnknownName, b.Task, "sink references unknown task %s", b.Task)
		}
		if !t.HasOutput(b.Output) {
			return perrors.Newf(perrors.KindUnknownName, b.Task, "sink references unknown output %s.%s", b.Task, b.Output)
		}
	}
	return nil
}

// Bindings 按任务名排序返回全部绑定
func (s *Sink) Bindings() []Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.bindings))
	for name := range s.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Binding, 0)
	for _, name := range names {
		out = append(out, s.bindings[name]...)
	}
	return out
}

// HasBindings 任务是否有输出需要物化
func (s *Sink) HasBindings(taskName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bindings[taskName]) > 0
}

// Materialize 复制一个成功实例的已绑定输出；index<0 表示非Map实例
// 每个输出独立地全有或全无；任一输出失败返回 SinkError
func (s *Sink) Materialize(ctx context.Context, runID, taskName string, index int, outputs task.Values) ([]Artifact, error) {
	s.mu.RLock()
	bindings := append([]Binding(nil), s.bindings[taskName]...)
	s.mu.RUnlock()
	if len(bindings) == 0 {
		return nil, nil
	}

	artifacts := make([]Artifact, len(bindings))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range bindings {
		g.Go(func() error {
			value, ok := outputs[b.Output]
			if !ok {
				return fmt.Errorf("输出 %s 不存在", b.Output)
			}
			dest := RenderPath(b.Path, runID, taskName, b.Output, index, value)
			location, err := s.put(gctx, dest, value)
			if err != nil {
				return fmt.Errorf("输出 %s -> %s: %w", b.Output, dest, err)
			}
			artifacts[i] = Artifact{Task: taskName, Output: b.Output, Index: index, Location: location}
			s.logger.Debug("输出已物化",
				zap.String("task", taskName),
				zap.String("output", b.Output),
				zap.Int("index", index),
				zap.String("location", location))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, perrors.Wrap(perrors.KindSink, instanceName(taskName, index), err)
	}
	return artifacts, nil
}

// put 文件路径按内容复制，其余值写为JSON
func (s *Sink) put(ctx context.Context, dest string, value interface{}) (string, error) {
	if p, ok := filePath(value); ok {
		f, err := os.Open(p)
		if err != nil {
			return "", err
		}
		defer f.Close()
		return s.writer.Put(ctx, dest, f)
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", fmt.Errorf("输出无法序列化: %w", err)
	}
	return s.writer.Put(ctx, dest, io.MultiReader(bytes.NewReader(data), strings.NewReader("\n")))
}

// RenderPath 展开路径模板
// 以 / 结尾的模板视为目录，文件输出保留原文件名，其余输出使用 <output>.json；
// Map元素的模板不含 {index} 时在扩展名前追加 -<index>，避免元素互相覆盖
func RenderPath(template, runID, taskName, output string, index int, value interface{}) string {
	idx := ""
	if index >= 0 {
		idx = strconv.Itoa(index)
	}
	hasIndex := strings.Contains(template, PlaceholderIndex)
	isDir := strings.HasSuffix(template, "/")

	r := strings.NewReplacer(
		PlaceholderRun, runID,
		PlaceholderTask, taskName,
		PlaceholderOutput, output,
		PlaceholderIndex, idx,
	)
	rendered := r.Replace(template)

	if isDir {
		name := output + ".json"
		if p, ok := filePath(value); ok {
			name = path.Base(strings.ReplaceAll(p, "\\", "/"))
		}
		rendered = strings.TrimSuffix(rendered, "/") + "/" + name
	}
	if index >= 0 && !hasIndex {
		ext := path.Ext(rendered)
		rendered = strings.TrimSuffix(rendered, ext) + "-" + idx + ext
	}
	return path.Clean(rendered)
}

func filePath(value interface{}) (string, bool) {
	var p string
	switch v := value.(type) {
	case task.File:
		p = string(v)
	case string:
		p = v
	default:
		return "", false
	}
	if p == "" {
		return "", false
	}
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return p, true
}

func instanceName(taskName string, index int) string {
	if index < 0 {
		return taskName
	}
	return fmt.Sprintf("%s[%d]", taskName, index)
}
