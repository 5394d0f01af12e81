package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Writer 持久化目标（对外导出）
// Put 必须是全有或全无的：失败时目标位置不留下任何产物
type Writer interface {
	Name() string
	Put(ctx context.Context, dest string, r io.Reader) (string, error)
}

// LocalWriter 写入本地目录树（对外导出）
type LocalWriter struct {
	root string
}

// NewLocalWriter 创建本地写入器，root 为空时使用当前目录
func NewLocalWriter(root string) *LocalWriter {
	if root == "" {
		root = "."
	}
	return &LocalWriter{root: root}
}

// Name 写入器名称
func (w *LocalWriter) Name() string {
	return "local"
}

// Put 先写同目录下的临时文件，再原子重命名到目标路径
func (w *LocalWriter) Put(ctx context.Context, dest string, r io.Reader) (string, error) {
	target, err := w.resolve(dest)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建目录失败: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		return "", fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("同步临时文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", fmt.Errorf("移动到目标位置失败: %w", err)
	}
	committed = true
	return target, nil
}

// resolve 目标路径必须位于根目录之内
func (w *LocalWriter) resolve(dest string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(dest))
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("目标路径 %s 必须是相对路径", dest)
	}
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("目标路径 %s 越出输出目录", dest)
	}
	return filepath.Join(w.root, clean), nil
}

// ctxReader 在每次读取前检查context，取消时中止复制
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
