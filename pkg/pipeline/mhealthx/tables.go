package mhealthx

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/LENAX/pipeline-engine/pkg/core/task"
)

// DefaultTableRoot 未指定 table_root 时表文件所在目录
const DefaultTableRoot = "tables"

// Table 内存中的二维表，首行为表头
type Table struct {
	Header []string
	Rows   [][]string
}

// FilesToTable 输入 features、files、project、table_name，可选 table_root、column_name
// 每个文件一行：文件列加上各特征列；Map部分失败留下的空位被跳过
// 输出 table（表文件路径）、project、rows
func FilesToTable(ctx context.Context, in task.Values) (task.Values, error) {
	project, name, err := tableTarget(in)
	if err != nil {
		return nil, err
	}
	features, err := task.AsSequence(in.Get("features"))
	if err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	files, err := task.AsSequence(in.Get("files"))
	if err != nil {
		return nil, fmt.Errorf("files: %w", err)
	}
	if len(features) != len(files) {
		return nil, fmt.Errorf("features 与 files 长度不一致: %d != %d", len(features), len(files))
	}
	column := in.String("column_name")
	if column == "" {
		column = "fileID"
	}

	table := &Table{}
	width := -1
	for i := range files {
		if files[i] == nil || features[i] == nil {
			continue
		}
		vec, err := task.FloatSlice(features[i])
		if err != nil {
			return nil, fmt.Errorf("第 %d 个特征向量: %w", i, err)
		}
		if width < 0 {
			width = len(vec)
		} else if len(vec) != width {
			return nil, fmt.Errorf("第 %d 个特征向量长度 %d，期望 %d", i, len(vec), width)
		}
		row := make([]string, 0, len(vec)+1)
		row = append(row, fmt.Sprint(files[i]))
		for _, v := range vec {
			row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
		}
		table.Rows = append(table.Rows, row)
	}
	table.Header = []string{column}
	for i := 0; i < width; i++ {
		table.Header = append(table.Header, fmt.Sprintf("feature_%d", i))
	}

	path := tablePath(in.String("table_root"), project, name)
	if err := WriteTable(path, table); err != nil {
		return nil, err
	}
	return task.Values{"table": path, "project": project, "rows": len(table.Rows)}, nil
}

// ConcatenateTables 输入 tables（表文件路径序列）、project、table_name
// 按行号对齐横向拼接，较短的表以空值补齐；输出 table、project
func ConcatenateTables(ctx context.Context, in task.Values) (task.Values, error) {
	project, name, err := tableTarget(in)
	if err != nil {
		return nil, err
	}
	paths, err := task.AsSequence(in.Get("tables"))
	if err != nil {
		return nil, fmt.Errorf("tables: %w", err)
	}

	var frames []*Table
	for i, p := range paths {
		if p == nil {
			continue
		}
		t, err := ReadTable(fmt.Sprint(p))
		if err != nil {
			return nil, fmt.Errorf("第 %d 张表: %w", i, err)
		}
		frames = append(frames, t)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("没有可拼接的表")
	}

	path := tablePath(in.String("table_root"), project, name)
	if err := WriteTable(path, Concatenate(frames...)); err != nil {
		return nil, err
	}
	return task.Values{"table": path, "project": project}, nil
}

// Concatenate 横向拼接多张表
func Concatenate(frames ...*Table) *Table {
	out := &Table{}
	rows := 0
	for _, f := range frames {
		out.Header = append(out.Header, f.Header...)
		if len(f.Rows) > rows {
			rows = len(f.Rows)
		}
	}
	out.Rows = make([][]string, rows)
	for r := 0; r < rows; r++ {
		for _, f := range frames {
			if r < len(f.Rows) {
				out.Rows[r] = append(out.Rows[r], pad(f.Rows[r], len(f.Header))...)
			} else {
				out.Rows[r] = append(out.Rows[r], make([]string, len(f.Header))...)
			}
		}
	}
	return out
}

func pad(row []string, width int) []string {
	if len(row) >= width {
		return row[:width]
	}
	return append(append([]string{}, row...), make([]string, width-len(row))...)
}

// ReadTable 读取CSV表
func ReadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开表文件失败: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("解析表文件 %s 失败: %w", path, err)
	}
	if len(records) == 0 {
		return &Table{}, nil
	}
	return &Table{Header: records[0], Rows: records[1:]}, nil
}

// WriteTable 先写临时文件再重命名，读者不会看到写了一半的表
func WriteTable(path string, t *Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建表目录失败: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".table-*")
	if err != nil {
		return fmt.Errorf("创建临时表文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(t.Header); err != nil {
		tmp.Close()
		return err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		tmp.Close()
		return fmt.Errorf("写入表文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func tableTarget(in task.Values) (project, name string, err error) {
	project = in.String("project")
	name = in.String("table_name")
	if project == "" {
		return "", "", fmt.Errorf("project 不能为空")
	}
	if name == "" {
		return "", "", fmt.Errorf("table_name 不能为空")
	}
	return project, name, nil
}

// tablePath <root>/<project>/<table_name>.csv，表名中的空白与路径分隔符替换为下划线
func tablePath(root, project, name string) string {
	if root == "" {
		root = DefaultTableRoot
	}
	clean := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' || r == '\t' {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	return filepath.Join(root, project, clean+".csv")
}
