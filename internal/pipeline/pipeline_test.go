package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/llm"
	"AgentFlow/internal/storage/mysql"
	rediscache "AgentFlow/internal/storage/redis"
	"AgentFlow/internal/tool"
)

type fakeLLM struct {
	rephraseCalls int
	answerCalls   int
	rephrased     string
	answer        string
	err           error
	lastAnswerReq llm.Request
}

func (f *fakeLLM) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	switch req.Kind {
	case llm.KindRephrase:
		f.rephraseCalls++
		return &llm.Response{Text: f.rephrased}, nil
	case llm.KindAnswer:
		f.answerCalls++
		f.lastAnswerReq = req
		return &llm.Response{Text: f.answer}, nil
	default:
		return nil, errors.New("未知的请求类型")
	}
}

func (f *fakeLLM) GenerateStream(ctx context.Context, req llm.Request, fn llm.StreamFunc) (*llm.Response, error) {
	resp, err := f.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, chunk := range strings.SplitAfter(resp.Text, "，") {
		if chunk == "" {
			continue
		}
		if err := fn(chunk); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

type stubTool struct {
	name    string
	results []tool.Result
	err     error
	calls   int
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "用于测试的桩工具" }

func (s *stubTool) Search(context.Context, string) ([]tool.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func newTestRegistry(t *testing.T, tools ...tool.Tool) *tool.Registry {
	t.Helper()
	registry := tool.NewRegistry()
	for _, item := range tools {
		if err := registry.Register(item); err != nil {
			t.Fatalf("注册工具失败: %v", err)
		}
	}
	return registry
}

func newTestRepository(t *testing.T) *mysql.MemoryConversationRepository {
	t.Helper()
	repo, err := mysql.NewMemoryConversationRepository(t.TempDir())
	if err != nil {
		t.Fatalf("创建内存对话仓库失败: %v", err)
	}
	return repo
}

func TestRunEmitsStagesInOrder(t *testing.T) {
	client := &fakeLLM{rephrased: "如何配置部署流水线", answer: "先创建配置文件，再触发部署。"}
	confluence := &stubTool{
		name: "confluence",
		results: []tool.Result{
			{Source: "confluence", Title: "部署流水线指南", Snippet: "如何配置部署流水线", URL: "https://wiki.example.com/1"},
		},
	}
	p := New(client, newTestRegistry(t, confluence), newTestRepository(t))

	var stages []Stage
	result, err := p.Run(context.Background(), QueryRequest{Question: "部署流水线怎么配？"}, RunOptions{
		Sink: func(stage Stage, _ string) error {
			stages = append(stages, stage)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("执行流水线失败: %v", err)
	}

	want := []Stage{StageRephrased, StageRetrieved, StageAnswer, StageSummary}
	if len(stages) != len(want) {
		t.Fatalf("阶段数量不符: got %v", stages)
	}
	for i, stage := range want {
		if stages[i] != stage {
			t.Fatalf("阶段顺序不符: got %v", stages)
		}
	}
	if result.Rephrased != "如何配置部署流水线" {
		t.Fatalf("改写结果不符: %q", result.Rephrased)
	}
	if !strings.Contains(result.Retrieved, "部署流水线指南") {
		t.Fatalf("检索上下文缺少结果: %q", result.Retrieved)
	}
	if len(result.Sources) != 1 || result.Sources[0] != "confluence" {
		t.Fatalf("来源不符: %v", result.Sources)
	}
	if result.Cached {
		t.Fatal("首次执行不应命中缓存")
	}
}

func TestRunAnswersWithoutRetrievalResults(t *testing.T) {
	client := &fakeLLM{rephrased: "什么是灰度发布", answer: "灰度发布是逐步放量的发布方式。"}
	broken := &stubTool{name: "bitbucket", err: errors.New("connection refused")}
	p := New(client, newTestRegistry(t, broken), newTestRepository(t))

	result, err := p.Run(context.Background(), QueryRequest{Question: "什么是灰度发布？"}, RunOptions{})
	if err != nil {
		t.Fatalf("执行流水线失败: %v", err)
	}
	if result.Answer == "" {
		t.Fatal("检索全部失败时仍应给出回答")
	}
	if !strings.Contains(result.Observations, "bitbucket") {
		t.Fatalf("观察信息应记录失败的工具: %q", result.Observations)
	}
	if !strings.Contains(result.Observations, "所有工具均未返回结果") {
		t.Fatalf("观察信息应记录降级说明: %q", result.Observations)
	}
}

func TestRunRephraseFailureIsFatal(t *testing.T) {
	client := &fakeLLM{err: errors.New("api key invalid")}
	p := New(client, newTestRegistry(t), newTestRepository(t))

	_, err := p.Run(context.Background(), QueryRequest{Question: "任何问题"}, RunOptions{})
	if err == nil {
		t.Fatal("期望返回错误")
	}
	if xerrors.CodeOf(err) != xerrors.CodeLLMFailure {
		t.Fatalf("错误码不符: %v", xerrors.CodeOf(err))
	}
}

func TestRunRejectsEmptyQuestion(t *testing.T) {
	p := New(&fakeLLM{}, newTestRegistry(t), newTestRepository(t))
	_, err := p.Run(context.Background(), QueryRequest{Question: "   "}, RunOptions{})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("错误码不符: %v", err)
	}
}

func TestRunAnswerCacheShortCircuits(t *testing.T) {
	client := &fakeLLM{rephrased: "如何申请访问权限", answer: "向平台组提交权限工单。"}
	confluence := &stubTool{
		name: "confluence",
		results: []tool.Result{
			{Source: "confluence", Title: "权限申请流程", Snippet: "如何申请访问权限"},
		},
	}
	repo := newTestRepository(t)
	p := New(client, newTestRegistry(t, confluence), repo,
		WithCache(rediscache.NewMemoryCache(), 0, 0))

	if _, err := p.Run(context.Background(), QueryRequest{Question: "怎么申请权限？"}, RunOptions{}); err != nil {
		t.Fatalf("首次执行失败: %v", err)
	}

	var stages []Stage
	result, err := p.Run(context.Background(), QueryRequest{Question: "怎么申请权限？"}, RunOptions{
		Sink: func(stage Stage, _ string) error {
			stages = append(stages, stage)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("二次执行失败: %v", err)
	}
	if !result.Cached {
		t.Fatal("二次执行应命中回答缓存")
	}
	if client.answerCalls != 1 {
		t.Fatalf("命中缓存后不应再次推理: answerCalls=%d", client.answerCalls)
	}
	if confluence.calls != 1 {
		t.Fatalf("命中缓存后不应再次检索: calls=%d", confluence.calls)
	}
	if len(stages) != 4 {
		t.Fatalf("缓存命中仍应推送全部阶段: %v", stages)
	}

	// 命中缓存不追加新的对话记录。
	records, err := repo.ListLatest(context.Background(), 10)
	if err != nil {
		t.Fatalf("查询对话记录失败: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("对话记录数量不符: %d", len(records))
	}
}

func TestRunAnswerCacheIsScopedByTools(t *testing.T) {
	client := &fakeLLM{rephrased: "固定改写", answer: "回答。"}
	confluence := &stubTool{
		name:    "confluence",
		results: []tool.Result{{Source: "confluence", Title: "文档", Snippet: "固定改写"}},
	}
	bitbucket := &stubTool{
		name:    "bitbucket",
		results: []tool.Result{{Source: "bitbucket", Title: "代码", Snippet: "固定改写"}},
	}
	p := New(client, newTestRegistry(t, confluence, bitbucket), newTestRepository(t),
		WithCache(rediscache.NewMemoryCache(), 0, 0))

	// 限定范围的执行不应污染全量扇出的回答缓存。
	if _, err := p.Run(context.Background(), QueryRequest{Question: "问题", Tools: []string{"confluence"}}, RunOptions{}); err != nil {
		t.Fatalf("限定范围执行失败: %v", err)
	}

	fullResult, err := p.Run(context.Background(), QueryRequest{Question: "问题"}, RunOptions{})
	if err != nil {
		t.Fatalf("全量扇出执行失败: %v", err)
	}
	if fullResult.Cached {
		t.Fatal("全量扇出不应命中限定范围的缓存")
	}
	if client.answerCalls != 2 {
		t.Fatalf("两种范围应各自推理一次: answerCalls=%d", client.answerCalls)
	}

	scopedResult, err := p.Run(context.Background(), QueryRequest{Question: "问题", Tools: []string{"confluence"}}, RunOptions{})
	if err != nil {
		t.Fatalf("再次限定范围执行失败: %v", err)
	}
	if !scopedResult.Cached {
		t.Fatal("相同范围的重复提问应命中缓存")
	}
}

func TestRunRejectsUnknownToolDespiteCachedAnswer(t *testing.T) {
	client := &fakeLLM{rephrased: "固定改写", answer: "回答。"}
	confluence := &stubTool{
		name:    "confluence",
		results: []tool.Result{{Source: "confluence", Title: "文档", Snippet: "固定改写"}},
	}
	p := New(client, newTestRegistry(t, confluence), newTestRepository(t),
		WithCache(rediscache.NewMemoryCache(), 0, 0))

	if _, err := p.Run(context.Background(), QueryRequest{Question: "问题"}, RunOptions{}); err != nil {
		t.Fatalf("首次执行失败: %v", err)
	}

	_, err := p.Run(context.Background(), QueryRequest{Question: "问题", Tools: []string{"ghost"}}, RunOptions{})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("未知工具应在缓存检查之前被拒绝: %v", err)
	}
}

// failingCache 模拟缓存后端整体不可用。
type failingCache struct{}

func (failingCache) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("redis: connection refused")
}

func (failingCache) Set(context.Context, string, string, time.Duration) error {
	return errors.New("redis: connection refused")
}

func (failingCache) Close() error { return nil }

func TestRunRecordsCacheFailuresAsObservations(t *testing.T) {
	client := &fakeLLM{rephrased: "固定改写", answer: "回答。"}
	confluence := &stubTool{
		name:    "confluence",
		results: []tool.Result{{Source: "confluence", Title: "文档", Snippet: "固定改写"}},
	}
	p := New(client, newTestRegistry(t, confluence), newTestRepository(t),
		WithCache(failingCache{}, 0, 0))

	result, err := p.Run(context.Background(), QueryRequest{Question: "问题"}, RunOptions{})
	if err != nil {
		t.Fatalf("缓存故障不应导致执行失败: %v", err)
	}
	if result.Answer == "" {
		t.Fatal("缓存故障时仍应给出回答")
	}
	for _, note := range []string{"读取回答缓存失败", "写入回答缓存失败", "读取检索缓存失败", "写入检索缓存失败"} {
		if !strings.Contains(result.Observations, note) {
			t.Fatalf("观察信息缺少 %q: %q", note, result.Observations)
		}
	}
}

func TestRunRetrieveCacheSkipsToolCall(t *testing.T) {
	client := &fakeLLM{rephrased: "固定改写", answer: "回答一。"}
	confluence := &stubTool{
		name:    "confluence",
		results: []tool.Result{{Source: "confluence", Title: "文档", Snippet: "固定改写"}},
	}
	cache := rediscache.NewMemoryCache()
	p := New(client, newTestRegistry(t, confluence), newTestRepository(t), WithCache(cache, 0, 0))

	if _, err := p.Run(context.Background(), QueryRequest{Question: "问题一"}, RunOptions{}); err != nil {
		t.Fatalf("首次执行失败: %v", err)
	}

	// 换一个只预置了检索缓存的实例，验证第二次执行复用检索结果。
	cache2 := rediscache.NewMemoryCache()
	if err := cache2.Set(context.Background(), rediscache.RetrieveKey("confluence", "固定改写"),
		`[{"source":"confluence","title":"文档","snippet":"固定改写"}]`, 0); err != nil {
		t.Fatalf("预置检索缓存失败: %v", err)
	}
	p2 := New(client, newTestRegistry(t, confluence), newTestRepository(t), WithCache(cache2, 0, 0))

	result, err := p2.Run(context.Background(), QueryRequest{Question: "问题一"}, RunOptions{})
	if err != nil {
		t.Fatalf("二次执行失败: %v", err)
	}
	if confluence.calls != 1 {
		t.Fatalf("命中检索缓存后不应再调用工具: calls=%d", confluence.calls)
	}
	if !strings.Contains(result.Retrieved, "文档") {
		t.Fatalf("检索上下文不符: %q", result.Retrieved)
	}
}

func TestRunStreamsAnswer(t *testing.T) {
	client := &fakeLLM{rephrased: "如何回滚发布", answer: "先停止放量，再切回旧版本。"}
	p := New(client, newTestRegistry(t, &stubTool{name: "static"}), newTestRepository(t))

	var chunks []string
	result, err := p.Run(context.Background(), QueryRequest{Question: "发布出问题了怎么回滚？"}, RunOptions{
		AnswerStream: func(chunk string) error {
			chunks = append(chunks, chunk)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("执行流水线失败: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("回答阶段应按块流式输出: %v", chunks)
	}
	if strings.Join(chunks, "") != result.Answer {
		t.Fatalf("流式分块拼接应等于完整回答: %q vs %q", strings.Join(chunks, ""), result.Answer)
	}
}

func TestRunLoadsSessionHistory(t *testing.T) {
	repo := newTestRepository(t)
	seed := &mysql.ConversationRecord{
		SessionID: "sess-1",
		Question:  "上一个问题",
		Answer:    "上一个回答",
		CreatedAt: 1,
	}
	if err := repo.Create(context.Background(), seed); err != nil {
		t.Fatalf("预置对话记录失败: %v", err)
	}

	client := &fakeLLM{rephrased: "新问题", answer: "新回答。"}
	p := New(client, newTestRegistry(t), repo)
	if _, err := p.Run(context.Background(), QueryRequest{Question: "新问题", SessionID: "sess-1"}, RunOptions{}); err != nil {
		t.Fatalf("执行流水线失败: %v", err)
	}
	if len(client.lastAnswerReq.History) != 1 || client.lastAnswerReq.History[0].Question != "上一个问题" {
		t.Fatalf("历史对话未传入大模型: %+v", client.lastAnswerReq.History)
	}
}

func TestSummarizeTruncates(t *testing.T) {
	long := strings.Repeat("答", 200)
	got := summarize(long, 150)
	if len([]rune(got)) != 153 {
		t.Fatalf("摘要长度不符: %d", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("摘要应以省略号结尾: %q", got)
	}
	if summarize("短回答", 150) != "短回答" {
		t.Fatal("短回答不应被截断")
	}
}
