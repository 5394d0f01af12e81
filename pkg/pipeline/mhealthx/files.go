package mhealthx

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/LENAX/pipeline-engine/pkg/core/task"
)

// ListFiles 输入 dir、pattern（默认 *），输出排序后的文件列表 files
func ListFiles(ctx context.Context, in task.Values) (task.Values, error) {
	dir := in.String("dir")
	if dir == "" {
		return nil, fmt.Errorf("dir 不能为空")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s 不是目录", dir)
	}
	pattern := in.String("pattern")
	if pattern == "" {
		pattern = "*"
	}

	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("文件模式不合法: %w", err)
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.Mode().IsRegular() {
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return task.Values{"files": files}, nil
}

// ExtractFeatures 输入 file、size、command，输出 features 与 file
// 指定 command 时调用外部程序，按空白分隔解析其标准输出中的数值；否则按字节分布计算
func ExtractFeatures(ctx context.Context, in task.Values) (task.Values, error) {
	file := in.String("file")
	if file == "" {
		return nil, fmt.Errorf("file 不能为空")
	}
	size := DefaultFeatureSize
	if in.Has("size") {
		n, err := in.Int("size")
		if err != nil {
			return nil, err
		}
		size = n
	}
	if size <= 0 {
		return nil, fmt.Errorf("特征长度必须大于0: %d", size)
	}

	var (
		features []float64
		err      error
	)
	if command := in.String("command"); command != "" {
		features, err = commandFeatures(ctx, command, file, size)
	} else {
		features, err = byteFeatures(file, size)
	}
	if err != nil {
		return nil, err
	}
	return task.Values{"features": features, "file": file}, nil
}

// byteFeatures 把文件字节按取值均分到 size 个区间，返回各区间占比
func byteFeatures(path string, size int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开文件失败: %w", err)
	}
	defer f.Close()

	counts := make([]float64, size)
	var total float64
	r := bufio.NewReader(f)
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取文件失败: %w", err)
		}
		counts[int(b)*size/256]++
		total++
	}
	if total > 0 {
		for i := range counts {
			counts[i] = math.Round(counts[i]/total*1e6) / 1e6
		}
	}
	return counts, nil
}

func commandFeatures(ctx context.Context, command, file string, size int) ([]float64, error) {
	out, err := exec.CommandContext(ctx, command, file).Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("特征提取命令失败: %w", err)
	}
	fields := strings.Fields(string(out))
	if len(fields) != size {
		return nil, fmt.Errorf("特征提取命令输出 %d 个值，期望 %d 个", len(fields), size)
	}
	features := make([]float64, size)
	for i, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("第 %d 个特征不是数值: %q", i, field)
		}
		features[i] = v
	}
	return features, nil
}
