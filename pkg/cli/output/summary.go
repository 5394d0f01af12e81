package output

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"

	"github.com/LENAX/pipeline-engine/pkg/core/engine"
)

var (
	okColor      = color.New(color.FgGreen)
	failColor    = color.New(color.FgRed)
	softColor    = color.New(color.FgYellow)
	neutralColor = color.New(color.FgHiBlack)
)

// StateColor 实例状态的显示颜色；best-effort 的失败用黄色
func StateColor(inst engine.InstanceSummary) *color.Color {
	switch inst.State {
	case engine.StateSucceeded:
		return okColor
	case engine.StateFailed:
		if inst.BestEffort {
			return softColor
		}
		return failColor
	}
	return neutralColor
}

// StatusColor 运行状态的显示颜色
func StatusColor(status engine.RunStatus) *color.Color {
	switch status {
	case engine.RunAllSucceeded:
		return okColor
	case engine.RunCancelled:
		return softColor
	}
	return failColor
}

// RunSummary 打印运行汇总：每个实例一行，最后是按状态的计数与退出码
func RunSummary(w io.Writer, s *engine.RunSummary) {
	t := NewTable("INSTANCE", "STATE", "CACHED", "DURATION", "ERROR")
	for _, inst := range s.Instances {
		cached := ""
		if inst.Cached {
			cached = "yes"
		}
		duration := ""
		if inst.Duration > 0 {
			duration = inst.Duration.Round(time.Millisecond).String()
		}
		t.AddColoredRow(
			[]*color.Color{nil, StateColor(inst)},
			inst.ID, string(inst.State), cached, duration, instanceError(inst),
		)
	}
	t.Render(w)
	fmt.Fprintln(w)

	counts := s.CountByState()
	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, string(state))
	}
	sort.Strings(states)
	fmt.Fprintf(w, "run %s (%s, strategy %s): ", s.RunID, s.Pipeline, s.Strategy)
	for i, state := range states {
		if i > 0 {
			fmt.Fprint(w, ", ")
		}
		fmt.Fprintf(w, "%s=%d", state, counts[engine.InstanceState(state)])
	}
	fmt.Fprintln(w)
	StatusColor(s.Status).Fprintf(w, "status %s, exit code %d, elapsed %s\n",
		s.Status, s.ExitCode, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
}

func instanceError(inst engine.InstanceSummary) string {
	if inst.ErrorKind == "" {
		return ""
	}
	msg := string(inst.ErrorKind)
	if inst.RootCause != "" {
		msg += " (root cause " + inst.RootCause + ")"
	} else if inst.Error != "" {
		msg += ": " + truncate(inst.Error, 80)
	}
	if inst.BestEffort {
		msg += " [best-effort]"
	}
	return msg
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
