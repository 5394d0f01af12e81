package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/LENAX/pipeline-engine/pkg/cli/output"
	"github.com/LENAX/pipeline-engine/pkg/core/cache"
)

// cacheEntryView 缓存条目的输出形式
type cacheEntryView struct {
	Identity  string                 `json:"identity"`
	Task      string                 `json:"task"`
	Succeeded bool                   `json:"succeeded"`
	Outputs   map[string]interface{} `json:"outputs,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	Error     string                 `json:"error,omitempty"`
	StoredAt  time.Time              `json:"stored_at"`
}

func newCacheEntryView(e *cache.Entry) cacheEntryView {
	return cacheEntryView{
		Identity:  e.Identity,
		Task:      e.TaskName,
		Succeeded: e.Outcome.Succeeded(),
		Outputs:   e.Outcome.Outputs,
		ErrorKind: string(e.Outcome.ErrorKind),
		Error:     e.Outcome.ErrorMessage,
		StoredAt:  e.StoredAt,
	}
}

func newCacheCmd(root *rootOptions) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "缓存查看命令",
		Long:  `查看内容寻址缓存中的条目。需要在引擎配置中启用缓存。`,
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "列出缓存条目",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := root.buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			lister, err := cacheLister(rt.Engine.Cache())
			if err != nil {
				return err
			}
			entries, err := lister.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			total, err := lister.Count(cmd.Context())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if root.outputJSON {
				views := make([]cacheEntryView, 0, len(entries))
				for _, e := range entries {
					views = append(views, newCacheEntryView(e))
				}
				return output.PrintJSON(w, map[string]interface{}{"total": total, "entries": views})
			}
			if len(entries) == 0 {
				output.Info(w, "缓存为空")
				return nil
			}

			table := output.NewTable("IDENTITY", "TASK", "OUTCOME", "STORED")
			for _, e := range entries {
				outcome, c := "Succeeded", color.New(color.FgGreen)
				if !e.Outcome.Succeeded() {
					outcome, c = string(e.Outcome.ErrorKind), color.New(color.FgRed)
				}
				table.AddColoredRow([]*color.Color{nil, nil, c},
					shortIdentity(e.Identity), e.TaskName, outcome, e.StoredAt.Local().Format("2006-01-02 15:04:05"))
			}
			table.Render(w)
			fmt.Fprintf(w, "\n共 %d 条，显示 %d 条\n", total, len(entries))
			return nil
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "l", 50, "最多显示条数")

	showCmd := &cobra.Command{
		Use:   "show <identity>",
		Short: "查看缓存条目",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := root.buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			store := rt.Engine.Cache()
			if store == nil {
				return errCacheDisabled
			}
			identity := args[0]
			entry, ok, err := store.Lookup(cmd.Context(), identity)
			if err != nil {
				return err
			}
			if !ok && len(identity) < 64 {
				// 按前缀匹配 list 中显示的缩写
				if entry, err = findByPrefix(cmd, store, identity); err != nil {
					return err
				}
				ok = entry != nil
			}
			if !ok {
				return fmt.Errorf("缓存条目 %s 不存在", identity)
			}

			view := newCacheEntryView(entry)
			w := cmd.OutOrStdout()
			if root.outputJSON {
				return output.PrintJSON(w, view)
			}
			fmt.Fprintf(w, "Identity: %s\n", view.Identity)
			fmt.Fprintf(w, "Task:     %s\n", view.Task)
			fmt.Fprintf(w, "Stored:   %s\n", view.StoredAt.Local().Format("2006-01-02 15:04:05"))
			if !view.Succeeded {
				fmt.Fprintf(w, "Outcome:  %s\n", color.RedString(view.ErrorKind))
				fmt.Fprintf(w, "Error:    %s\n", view.Error)
				return nil
			}
			fmt.Fprintf(w, "Outcome:  %s\n", color.GreenString("Succeeded"))
			data, err := json.MarshalIndent(view.Outputs, "  ", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Outputs:\n  %s\n", data)
			return nil
		},
	}

	cacheCmd.AddCommand(listCmd, showCmd)
	return cacheCmd
}

var errCacheDisabled = errors.New("缓存未启用，请在引擎配置中设置 storage.cache.enabled")

func cacheLister(store cache.Store) (cache.Lister, error) {
	if store == nil {
		return nil, errCacheDisabled
	}
	lister, ok := store.(cache.Lister)
	if !ok {
		return nil, errors.New("当前缓存不支持枚举")
	}
	return lister, nil
}

// findByPrefix 前缀唯一匹配时返回该条目
func findByPrefix(cmd *cobra.Command, store cache.Store, prefix string) (*cache.Entry, error) {
	lister, err := cacheLister(store)
	if err != nil {
		return nil, err
	}
	total, err := lister.Count(cmd.Context())
	if err != nil || total == 0 {
		return nil, err
	}
	entries, err := lister.List(cmd.Context(), total)
	if err != nil {
		return nil, err
	}
	var found *cache.Entry
	for _, e := range entries {
		if !strings.HasPrefix(e.Identity, prefix) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("前缀 %s 匹配多个缓存条目", prefix)
		}
		found = e
	}
	return found, nil
}

func shortIdentity(identity string) string {
	if len(identity) > 16 {
		return identity[:16]
	}
	return identity
}
