// Package mhealthx 移动健康数据处理流水线的示例任务体
// 列出录音文件、逐文件提取特征向量、汇总为表、按列拼接多张表
package mhealthx

import (
	"github.com/LENAX/pipeline-engine/pkg/core/task"
)

// 注册到函数注册中心的引用名
const (
	FuncListFiles         = "mhealthx.list_files"
	FuncExtractFeatures   = "mhealthx.extract_features"
	FuncFilesToTable      = "mhealthx.files_to_table"
	FuncConcatenateTables = "mhealthx.concatenate_tables"
)

// DefaultFeatureSize 未指定时的特征向量长度
const DefaultFeatureSize = 8

// Register 把全部任务体注册到注册中心（对外导出）
func Register(registry *task.FunctionRegistry) error {
	bodies := []struct {
		name string
		fn   task.BodyFunc
		desc string
	}{
		{FuncListFiles, ListFiles, "列出目录中匹配模式的文件"},
		{FuncExtractFeatures, ExtractFeatures, "从单个文件提取定长数值特征"},
		{FuncFilesToTable, FilesToTable, "把特征向量和文件名写成CSV表"},
		{FuncConcatenateTables, ConcatenateTables, "按列拼接多张表"},
	}
	for _, b := range bodies {
		if err := registry.Register(b.name, b.fn, b.desc); err != nil {
			return err
		}
	}
	return nil
}
