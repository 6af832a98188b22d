package pipeline

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/llm"
	"AgentFlow/internal/observability/metrics"
	"AgentFlow/internal/storage/mysql"
	rediscache "AgentFlow/internal/storage/redis"
	"AgentFlow/internal/tool"
)

// Stage 标识流水线中的一个阶段。
type Stage string

const (
	StageRephrased Stage = "rephrased"
	StageRetrieved Stage = "retrieved"
	StageAnswer    Stage = "answer"
	StageSummary   Stage = "summary"
)

// StageSink 在每个阶段完成时接收阶段名称与内容。
// 返回非 nil 错误会中止流水线。
type StageSink func(stage Stage, content string) error

// QueryRequest 描述一次用户提问。
type QueryRequest struct {
	ID        string         `json:"id,omitempty"`
	Question  string         `json:"question"`
	Tools     []string       `json:"tools,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// QueryResult 汇总流水线各阶段的输出。
type QueryResult struct {
	Question     string   `json:"question"`
	Rephrased    string   `json:"rephrased"`
	Retrieved    string   `json:"retrieved"`
	Answer       string   `json:"answer"`
	Summary      string   `json:"summary"`
	Sources      []string `json:"sources,omitempty"`
	Observations string   `json:"observations"`
	Cached       bool     `json:"cached,omitempty"`
	CreatedAt    int64    `json:"created_at"`
}

// RunOptions 控制单次执行的流式输出行为。
type RunOptions struct {
	// Sink 在每个阶段完成时收到该阶段的完整内容。
	Sink StageSink
	// AnswerStream 若非空，回答阶段以流式方式推理并逐段回调。
	AnswerStream llm.StreamFunc
}

// Pipeline 协调大模型与检索工具，是系统的业务核心。
type Pipeline struct {
	llmClient     llm.Client
	registry      *tool.Registry
	conversations mysql.ConversationRepository
	cache         rediscache.Cache
	memoryDepth   int
	llmTimeout    time.Duration
	toolTimeout   time.Duration
	maxResults    int
	summaryLimit  int
	answerTTL     time.Duration
	retrieveTTL   time.Duration
}

// Option 定义可选的 Pipeline 配置。
type Option func(*Pipeline)

const (
	// defaultMemoryDepth 是大模型调用时可参考的历史对话数量的默认值。
	defaultMemoryDepth = 5
	// defaultSummaryLimit 对齐原始的摘要截断长度。
	defaultSummaryLimit = 150
	defaultAnswerTTL    = 10 * time.Minute
	defaultRetrieveTTL  = 5 * time.Minute
)

// WithMemoryDepth 设置大模型调用时可参考的历史对话数量。
func WithMemoryDepth(depth int) Option {
	return func(p *Pipeline) {
		p.memoryDepth = depth
	}
}

// WithLLMTimeout 设置单次大模型调用的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(p *Pipeline) {
		if timeout <= 0 {
			p.llmTimeout = 0
			return
		}
		p.llmTimeout = timeout
	}
}

// WithToolTimeout 设置单个工具检索的超时时间。
func WithToolTimeout(timeout time.Duration) Option {
	return func(p *Pipeline) {
		p.toolTimeout = timeout
	}
}

// WithMaxResults 限制聚合后保留的检索结果条数。
func WithMaxResults(limit int) Option {
	return func(p *Pipeline) {
		p.maxResults = limit
	}
}

// WithSummaryLimit 设置摘要阶段保留的字符数。
func WithSummaryLimit(limit int) Option {
	return func(p *Pipeline) {
		if limit > 0 {
			p.summaryLimit = limit
		}
	}
}

// WithCache 配置响应缓存及对应的过期时间。
func WithCache(cache rediscache.Cache, answerTTL, retrieveTTL time.Duration) Option {
	return func(p *Pipeline) {
		p.cache = cache
		if answerTTL > 0 {
			p.answerTTL = answerTTL
		}
		if retrieveTTL > 0 {
			p.retrieveTTL = retrieveTTL
		}
	}
}

// New 创建一个 Pipeline。
func New(llmClient llm.Client, registry *tool.Registry, conversations mysql.ConversationRepository, opts ...Option) *Pipeline {
	p := &Pipeline{
		llmClient:     llmClient,
		registry:      registry,
		conversations: conversations,
		memoryDepth:   defaultMemoryDepth,
		summaryLimit:  defaultSummaryLimit,
		answerTTL:     defaultAnswerTTL,
		retrieveTTL:   defaultRetrieveTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.memoryDepth <= 0 {
		p.memoryDepth = defaultMemoryDepth
	}
	return p
}

// Run 按阶段执行一次问答流水线。
func (p *Pipeline) Run(ctx context.Context, req QueryRequest, opts RunOptions) (*QueryResult, error) {
	if p.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "问题不能为空")
	}

	history, observations := p.loadHistory(ctx, req.SessionID)

	// 提前解析工具范围，非法的工具名即使命中缓存也会被拒绝。
	tools, err := p.registry.Route(req.Tools)
	if err != nil {
		return nil, err
	}

	// 阶段一：改写问题。
	stageStart := time.Now()
	rephrased, err := p.rephrase(ctx, req.Question, history)
	if err != nil {
		return nil, err
	}
	metrics.ObservePipelineStage(string(StageRephrased), time.Since(stageStart))
	if err := emit(opts.Sink, StageRephrased, rephrased); err != nil {
		return nil, err
	}

	// 命中整条回答缓存时跳过检索与推理。键包含工具范围，
	// 限定范围的提问不会串用全量扇出的回答。
	answerKey := rediscache.AnswerKey(rephrased, req.Tools...)
	cached, ok, cacheObs := p.lookupAnswer(ctx, answerKey)
	observations = appendObservation(observations, cacheObs)
	if ok {
		cached.Question = req.Question
		cached.Cached = true
		for _, stage := range []struct {
			stage   Stage
			content string
		}{
			{StageRetrieved, cached.Retrieved},
			{StageAnswer, cached.Answer},
			{StageSummary, cached.Summary},
		} {
			if err := emit(opts.Sink, stage.stage, stage.content); err != nil {
				return nil, err
			}
		}
		return cached, nil
	}

	// 阶段二：扇出检索。
	cacheNotes := &observationLog{}
	stageStart = time.Now()
	report := tool.Dispatch(ctx, p.wrapWithCache(tools, cacheNotes.add), rephrased, tool.DispatchOptions{
		Timeout:    p.toolTimeout,
		MaxResults: p.maxResults,
	})
	metrics.ObservePipelineStage(string(StageRetrieved), time.Since(stageStart))
	for _, note := range cacheNotes.drain() {
		observations = appendObservation(observations, note)
	}
	for _, name := range sortedFailureNames(report.Failures) {
		observations = appendObservation(observations, fmt.Sprintf("工具 %s 检索失败: %v", name, report.Failures[name]))
	}
	if len(report.Results) == 0 {
		observations = appendObservation(observations, "所有工具均未返回结果，回答基于模型自身知识")
	}
	retrieved := tool.Render(report.Results)
	if err := emit(opts.Sink, StageRetrieved, retrieved); err != nil {
		return nil, err
	}

	// 阶段三：生成回答。
	stageStart = time.Now()
	answer, err := p.answer(ctx, rephrased, retrieved, history, opts.AnswerStream)
	if err != nil {
		return nil, err
	}
	metrics.ObservePipelineStage(string(StageAnswer), time.Since(stageStart))
	if err := emit(opts.Sink, StageAnswer, answer); err != nil {
		return nil, err
	}

	// 阶段四：本地截断生成摘要。
	summary := summarize(answer, p.summaryLimit)
	if err := emit(opts.Sink, StageSummary, summary); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	result := &QueryResult{
		Question:     req.Question,
		Rephrased:    rephrased,
		Retrieved:    retrieved,
		Answer:       answer,
		Summary:      summary,
		Sources:      sourcesOf(report.Results),
		Observations: observations,
		CreatedAt:    now,
	}

	// 缓存写入失败降级为观察记录，落库的内容包含这条记录。
	result.Observations = appendObservation(result.Observations, p.storeAnswer(ctx, answerKey, result))

	if p.conversations != nil {
		record := &mysql.ConversationRecord{
			SessionID: req.SessionID,
			Question:  req.Question,
			Rephrased: result.Rephrased,
			Answer:    result.Answer,
			Summary:   result.Summary,
			Sources:   strings.Join(result.Sources, ","),
			Observes:  result.Observations,
			CreatedAt: now,
		}
		if err := p.conversations.Create(ctx, record); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存对话记录失败")
		}
	}

	return result, nil
}

// ListHistory 获取最近的对话记录。
func (p *Pipeline) ListHistory(ctx context.Context, limit int) ([]QueryResult, error) {
	if p.conversations == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置对话仓库")
	}
	records, err := p.conversations.ListLatest(ctx, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询对话记录失败")
	}

	results := make([]QueryResult, 0, len(records))
	for _, record := range records {
		results = append(results, recordToResult(record))
	}
	return results, nil
}

func (p *Pipeline) rephrase(ctx context.Context, question string, history []llm.HistoryEntry) (string, error) {
	resp, err := p.generate(ctx, llm.Request{
		Kind:     llm.KindRephrase,
		Question: question,
		History:  history,
	}, nil)
	if err != nil {
		return "", err
	}
	rephrased := strings.TrimSpace(resp.Text)
	if rephrased == "" {
		rephrased = question
	}
	return rephrased, nil
}

func (p *Pipeline) answer(ctx context.Context, question, retrieved string, history []llm.HistoryEntry, stream llm.StreamFunc) (string, error) {
	resp, err := p.generate(ctx, llm.Request{
		Kind:     llm.KindAnswer,
		Question: question,
		Context:  retrieved,
		History:  history,
	}, stream)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

func (p *Pipeline) generate(ctx context.Context, req llm.Request, stream llm.StreamFunc) (*llm.Response, error) {
	llmCtx := ctx
	if p.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, p.llmTimeout)
		defer cancel()
	}

	var (
		resp *llm.Response
		err  error
	)
	if stream != nil {
		resp, err = p.llmClient.GenerateStream(llmCtx, req, stream)
	} else {
		resp, err = p.llmClient.Generate(llmCtx, req)
	}
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeLLMFailure, err, "大模型推理失败")
	}
	return resp, nil
}

// loadHistory 加载历史对话记录以供大模型参考。
func (p *Pipeline) loadHistory(ctx context.Context, sessionID string) ([]llm.HistoryEntry, string) {
	if p.conversations == nil || p.memoryDepth <= 0 {
		return nil, ""
	}

	var (
		records []mysql.ConversationRecord
		err     error
	)
	if strings.TrimSpace(sessionID) != "" {
		records, err = p.conversations.ListBySession(ctx, sessionID, p.memoryDepth)
	} else {
		records, err = p.conversations.ListLatest(ctx, p.memoryDepth)
	}
	if err != nil {
		return nil, fmt.Sprintf("加载历史对话失败: %v", err)
	}

	history := make([]llm.HistoryEntry, 0, len(records))
	for _, record := range records {
		history = append(history, llm.HistoryEntry{
			Question:  record.Question,
			Answer:    record.Answer,
			Sources:   record.Sources,
			CreatedAt: record.CreatedAt,
		})
	}
	return history, ""
}

// lookupAnswer 查询整条回答缓存。缓存故障降级为观察记录，不影响本次回答。
func (p *Pipeline) lookupAnswer(ctx context.Context, key string) (*QueryResult, bool, string) {
	if p.cache == nil {
		return nil, false, ""
	}
	raw, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Sprintf("读取回答缓存失败: %v", err)
	}
	if !ok {
		return nil, false, ""
	}
	var result QueryResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, false, ""
	}
	return &result, true, ""
}

// storeAnswer 写入整条回答缓存，失败时返回观察记录。
func (p *Pipeline) storeAnswer(ctx context.Context, key string, result *QueryResult) string {
	if p.cache == nil {
		return ""
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	if err := p.cache.Set(ctx, key, string(encoded), p.answerTTL); err != nil {
		return fmt.Sprintf("写入回答缓存失败: %v", err)
	}
	return ""
}

func (p *Pipeline) wrapWithCache(tools []tool.Tool, report func(string)) []tool.Tool {
	if p.cache == nil {
		return tools
	}
	wrapped := make([]tool.Tool, 0, len(tools))
	for _, t := range tools {
		wrapped = append(wrapped, newCachedTool(t, p.cache, p.retrieveTTL, report))
	}
	return wrapped
}

// observationLog 收集扇出检索期间并发产生的观察记录。
type observationLog struct {
	mu    sync.Mutex
	notes []string
}

func (l *observationLog) add(note string) {
	l.mu.Lock()
	l.notes = append(l.notes, note)
	l.mu.Unlock()
}

// drain 返回排序后的全部记录，保证聚合结果可复现。
func (l *observationLog) drain() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	notes := l.notes
	l.notes = nil
	sort.Strings(notes)
	return notes
}

func emit(sink StageSink, stage Stage, content string) error {
	if sink == nil {
		return nil
	}
	return sink(stage, content)
}

// summarize 按原始行为截断回答生成摘要。
func summarize(answer string, limit int) string {
	runes := []rune(strings.TrimSpace(answer))
	if limit <= 0 || len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit]) + "..."
}

func sourcesOf(results []tool.Result) []string {
	seen := make(map[string]struct{}, len(results))
	var sources []string
	for _, result := range results {
		if _, ok := seen[result.Source]; ok {
			continue
		}
		seen[result.Source] = struct{}{}
		sources = append(sources, result.Source)
	}
	return sources
}

func sortedFailureNames(failures map[string]error) []string {
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func appendObservation(existing, next string) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return existing
	}
	if strings.TrimSpace(existing) == "" {
		return next
	}
	return existing + "\n" + next
}

func recordToResult(record mysql.ConversationRecord) QueryResult {
	var sources []string
	if record.Sources != "" {
		sources = strings.Split(record.Sources, ",")
	}
	return QueryResult{
		Question:     record.Question,
		Rephrased:    record.Rephrased,
		Answer:       record.Answer,
		Summary:      record.Summary,
		Sources:      sources,
		Observations: record.Observes,
		CreatedAt:    record.CreatedAt,
	}
}
