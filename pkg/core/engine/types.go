package engine

import (
	"fmt"
	"time"

	"github.com/LENAX/pipeline-engine/pkg/core/sink"
	"github.com/LENAX/pipeline-engine/pkg/core/task"
	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
)

// InstanceState 实例状态
type InstanceState string

const (
	StatePending   InstanceState = "Pending"   // 输入尚未全部就绪
	StateReady     InstanceState = "Ready"     // 已就绪，等待分发
	StateRunning   InstanceState = "Running"   // 运行中
	StateSucceeded InstanceState = "Succeeded" // 成功
	StateFailed    InstanceState = "Failed"    // 失败
)

// Terminal 是否为终态
func (s InstanceState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// RunStatus 运行总体状态（对外导出）
type RunStatus string

const (
	RunAllSucceeded   RunStatus = "AllSucceeded"
	RunPartialFailure RunStatus = "PartialFailure"
	RunCancelled      RunStatus = "Cancelled"
)

// MapPolicy Map元素失败时的处理策略
type MapPolicy string

const (
	// MapFailFast 首个元素失败即中止其余元素（默认）
	MapFailFast MapPolicy = "fail-fast"
	// MapPartial 失败元素在聚合输出中留空，其余元素继续
	MapPartial MapPolicy = "partial"
)

// ParseMapPolicy 解析Map策略，空字符串返回默认值
func ParseMapPolicy(s string) (MapPolicy, error) {
	switch MapPolicy(s) {
	case "":
		return MapFailFast, nil
	case MapFailFast, MapPartial:
		return MapPolicy(s), nil
	}
	return "", fmt.Errorf("未知的Map策略: %s", s)
}

// InstanceSummary 单个实例的最终结果
type InstanceSummary struct {
	ID         string          `json:"id"`
	Task       string          `json:"task"`
	Index      int             `json:"index"` // Map元素下标；普通任务与Map聚合行为 -1
	State      InstanceState   `json:"state"`
	ErrorKind  perrors.Kind    `json:"error_kind,omitempty"`
	Error      string          `json:"error,omitempty"`
	RootCause  string          `json:"root_cause,omitempty"` // UpstreamFailure 时为首个失败的祖先实例
	Identity   string          `json:"identity,omitempty"`
	Cached     bool            `json:"cached,omitempty"`
	BestEffort bool            `json:"best_effort,omitempty"`
	Aggregate  bool            `json:"aggregate,omitempty"` // Map任务的聚合行
	Duration   time.Duration   `json:"duration"`
	Artifacts  []sink.Artifact `json:"artifacts,omitempty"`
}

// RunSummary 一次运行的汇总（对外导出）
type RunSummary struct {
	RunID      string            `json:"run_id"`
	Pipeline   string            `json:"pipeline,omitempty"`
	Strategy   string            `json:"strategy"`
	Status     RunStatus         `json:"status"`
	ExitCode   int               `json:"exit_code"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Instances  []InstanceSummary `json:"instances"`

	// Outputs 每个成功任务的输出，Map任务为按下标聚合后的序列
	Outputs map[string]task.Values `json:"-"`
}

// Instance 按实例ID查找
func (s *RunSummary) Instance(id string) (InstanceSummary, bool) {
	for _, inst := range s.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return InstanceSummary{}, false
}

// Failed 所有失败实例
func (s *RunSummary) Failed() []InstanceSummary {
	var out []InstanceSummary
	for _, inst := range s.Instances {
		if inst.State == StateFailed {
			out = append(out, inst)
		}
	}
	return out
}

// Elements Map任务的元素实例，按下标排序
func (s *RunSummary) Elements(taskName string) []InstanceSummary {
	var out []InstanceSummary
	for _, inst := range s.Instances {
		if inst.Task == taskName && inst.Index >= 0 {
			out = append(out, inst)
		}
	}
	return out
}

// CountByState 按状态计数（不含Map聚合行）
func (s *RunSummary) CountByState() map[InstanceState]int {
	counts := make(map[InstanceState]int)
	for _, inst := range s.Instances {
		if inst.Aggregate {
			continue
		}
		counts[inst.State]++
	}
	return counts
}

// Output 任务的某个输出
func (s *RunSummary) Output(taskName, output string) (interface{}, bool) {
	values, ok := s.Outputs[taskName]
	if !ok {
		return nil, false
	}
	v, ok := values[output]
	return v, ok
}

func instanceID(taskName string, index int) string {
	if index < 0 {
		return taskName
	}
	return fmt.Sprintf("%s[%d]", taskName, index)
}
