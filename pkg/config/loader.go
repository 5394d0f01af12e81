// Package config 引擎配置与流水线配置的加载和校验（对外导出）
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// LoadFrameworkConfig 加载引擎配置；${ENV} 引用在解析前展开，零值字段填充默认值
func LoadFrameworkConfig(path string) (*EngineConfig, error) {
	data, err := readExpanded(path)
	if err != nil {
		return nil, err
	}
	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析引擎配置 %s 失败: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// DefaultEngineConfig 不读取文件，只含默认值的引擎配置
func DefaultEngineConfig() *EngineConfig {
	var cfg EngineConfig
	cfg.ApplyDefaults()
	return &cfg
}

// LoadPipelineConfig 加载流水线配置，include 的子流水线递归加载
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	return loadPipeline(path, map[string]bool{})
}

func loadPipeline(path string, visiting map[string]bool) (*PipelineConfig, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if visiting[abs] {
		return nil, fmt.Errorf("流水线配置 %s 存在循环 include", path)
	}
	visiting[abs] = true
	defer delete(visiting, abs)

	data, err := readExpanded(abs)
	if err != nil {
		return nil, err
	}
	cfg := &PipelineConfig{SourcePath: abs}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析流水线配置 %s 失败: %w", path, err)
	}

	for _, inc := range cfg.Pipeline.Include {
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(filepath.Dir(abs), incPath)
		}
		sub, err := loadPipeline(incPath, visiting)
		if err != nil {
			return nil, err
		}
		cfg.Includes = append(cfg.Includes, sub)
	}
	return cfg, nil
}

func readExpanded(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}
	return []byte(os.ExpandEnv(string(data))), nil
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
