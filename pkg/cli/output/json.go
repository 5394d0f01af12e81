package output

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
)

// PrintJSON 输出JSON格式
func PrintJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Success 输出成功消息
func Success(w io.Writer, format string, args ...interface{}) {
	color.New(color.FgGreen, color.Bold).Fprintf(w, "✅ "+format+"\n", args...)
}

// Error 输出错误消息
func Error(w io.Writer, format string, args ...interface{}) {
	color.New(color.FgRed, color.Bold).Fprintf(w, "❌ "+format+"\n", args...)
}

// Info 输出信息
func Info(w io.Writer, format string, args ...interface{}) {
	color.New(color.FgCyan).Fprintf(w, "ℹ️  "+format+"\n", args...)
}

// Warning 输出警告
func Warning(w io.Writer, format string, args ...interface{}) {
	color.New(color.FgYellow).Fprintf(w, "⚠️  "+format+"\n", args...)
}

// Plain 无颜色输出
func Plain(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format+"\n", args...)
}
