package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Table 简单表格输出
type Table struct {
	headers []string
	rows    [][]string
	colors  [][]*color.Color
	widths  []int
}

// NewTable 创建表格
func NewTable(headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &Table{headers: headers, widths: widths}
}

// AddRow 添加行
func (t *Table) AddRow(row ...string) {
	t.AddColoredRow(nil, row...)
}

// AddColoredRow 添加行；cellColors[i] 非空时该列着色
func (t *Table) AddColoredRow(cellColors []*color.Color, row ...string) {
	for i, cell := range row {
		if i < len(t.widths) && len(cell) > t.widths[i] {
			t.widths[i] = len(cell)
		}
	}
	t.rows = append(t.rows, row)
	t.colors = append(t.colors, cellColors)
}

// Len 数据行数
func (t *Table) Len() int {
	return len(t.rows)
}

// Render 渲染表格
func (t *Table) Render(w io.Writer) {
	headerColor := color.New(color.FgCyan, color.Bold)
	for i, h := range t.headers {
		headerColor.Fprintf(w, "%-*s  ", t.widths[i], h)
	}
	fmt.Fprintln(w)

	for i := range t.headers {
		fmt.Fprint(w, strings.Repeat("-", t.widths[i]))
		fmt.Fprint(w, "  ")
	}
	fmt.Fprintln(w)

	for r, row := range t.rows {
		for i, cell := range row {
			if i >= len(t.widths) {
				break
			}
			if cs := t.colors[r]; i < len(cs) && cs[i] != nil {
				// 先补齐宽度再着色，转义序列不影响对齐
				cs[i].Fprint(w, fmt.Sprintf("%-*s", t.widths[i], cell))
				fmt.Fprint(w, "  ")
				continue
			}
			fmt.Fprintf(w, "%-*s  ", t.widths[i], cell)
		}
		fmt.Fprintln(w)
	}
}
