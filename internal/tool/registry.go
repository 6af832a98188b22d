package tool

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/observability/metrics"
)

const (
	defaultDispatchTimeout = 10 * time.Second
	defaultMaxResults      = 5
)

// Registry 管理已启用的检索工具，并负责路由与并发分发。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry 创建空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register 注册一个工具。重名注册返回冲突错误。
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool 不能为空")
	}
	name := strings.ToLower(strings.TrimSpace(t.Name()))
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return xerrors.New(xerrors.CodeConflict, "工具已注册: "+name)
	}
	r.tools[name] = t
	return nil
}

// Get 按名称返回工具。
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// Names 返回所有已注册工具名，按字典序排列。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Route 解析一次请求应当命中的工具集合。
// scope 为空表示扇出到全部已注册工具；否则按名称逐一解析，
// 未注册的名称视为非法参数。
func (r *Registry) Route(scope []string) ([]Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(scope) == 0 {
		names := make([]string, 0, len(r.tools))
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
		tools := make([]Tool, 0, len(names))
		for _, name := range names {
			tools = append(tools, r.tools[name])
		}
		return tools, nil
	}

	tools := make([]Tool, 0, len(scope))
	seen := make(map[string]struct{}, len(scope))
	for _, name := range scope {
		normalized := strings.ToLower(strings.TrimSpace(name))
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		t, ok := r.tools[normalized]
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "未注册的工具: "+normalized)
		}
		tools = append(tools, t)
	}
	if len(tools) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工具范围解析后为空")
	}
	return tools, nil
}

// Report 汇总一次分发的聚合结果与每个工具的失败原因。
type Report struct {
	Results  []Result
	Failures map[string]error
}

// DispatchOptions 控制一次分发的行为。
type DispatchOptions struct {
	// Timeout 约束单个工具的检索耗时。
	Timeout time.Duration
	// MaxResults 限制聚合后保留的结果条数。
	MaxResults int
}

// Dispatch 并发执行指定工具的检索并聚合结果。
// 单个工具的失败只记录在 Report.Failures 中，不影响其他工具。
func Dispatch(ctx context.Context, tools []Tool, query string, opts DispatchOptions) Report {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	type outcome struct {
		name    string
		results []Result
		err     error
	}

	outcomes := make(chan outcome, len(tools))
	var wg sync.WaitGroup
	for _, t := range tools {
		wg.Add(1)
		go func(t Tool) {
			defer wg.Done()
			toolCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			results, err := t.Search(toolCtx, query)
			metrics.ObserveToolSearch(t.Name(), err == nil)
			if err != nil {
				if toolCtx.Err() == context.DeadlineExceeded {
					err = xerrors.Wrap(xerrors.CodeTimeout, err, "工具检索超时",
						xerrors.WithMetadata("tool", t.Name()))
				} else {
					err = xerrors.Wrap(xerrors.CodeToolFailure, err, "工具检索失败",
						xerrors.WithMetadata("tool", t.Name()))
				}
			}
			outcomes <- outcome{name: t.Name(), results: results, err: err}
		}(t)
	}
	wg.Wait()
	close(outcomes)

	report := Report{Failures: make(map[string]error)}
	for out := range outcomes {
		if out.err != nil {
			report.Failures[out.name] = out.err
			continue
		}
		for idx := range out.results {
			if out.results[idx].Source == "" {
				out.results[idx].Source = out.name
			}
		}
		report.Results = append(report.Results, out.results...)
	}

	report.Results = clampResults(rank(query, report.Results), maxResults)
	return report
}
