package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type errorKey struct {
	handler string
	method  string
}

type latencyKey struct {
	handler string
	method  string
}

type stageKey struct {
	stage string
}

type toolKey struct {
	tool    string
	outcome string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu           sync.Mutex
	requests     map[requestKey]uint64
	errors       map[errorKey]uint64
	latency      map[latencyKey]*histogram
	stageLatency map[stageKey]*histogram
	toolSearches map[toolKey]uint64
}

var httpCollector = &collector{
	requests:     make(map[requestKey]uint64),
	errors:       make(map[errorKey]uint64),
	latency:      make(map[latencyKey]*histogram),
	stageLatency: make(map[stageKey]*histogram),
	toolSearches: make(map[toolKey]uint64),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpCollector.observe(handler, method, status, duration)
}

// ObservePipelineStage records how long a pipeline stage took.
func ObservePipelineStage(stage string, duration time.Duration) {
	httpCollector.observeStage(stage, duration)
}

// ObserveToolSearch counts one backend tool search and its outcome.
func ObserveToolSearch(tool string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	httpCollector.observeTool(tool, outcome)
}

func (c *collector) observe(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKey := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	c.requests[reqKey]++
	if status >= 500 {
		errKey := errorKey{handler: handler, method: method}
		c.errors[errKey]++
	}

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observeStage(stage string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := stageKey{stage: stage}
	hist := c.stageLatency[key]
	if hist == nil {
		hist = newHistogram()
		c.stageLatency[key] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observeTool(tool, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolSearches[toolKey{tool: tool, outcome: outcome}]++
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
	// Values greater than the last bucket are accounted for in the +Inf bucket via h.count.
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type requestMetric struct {
		requestKey
		value uint64
	}
	type errorMetric struct {
		errorKey
		value uint64
	}
	type latencyMetric struct {
		labels  string
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}
	type toolMetric struct {
		toolKey
		value uint64
	}

	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	errs := make([]errorMetric, 0, len(c.errors))
	for key, value := range c.errors {
		errs = append(errs, errorMetric{errorKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			labels:  fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(key.handler), escape(key.method)),
			buckets: append([]float64(nil), hist.buckets...),
			counts:  append([]uint64(nil), hist.counts...),
			sum:     hist.sum,
			count:   hist.count,
		})
	}
	stages := make([]latencyMetric, 0, len(c.stageLatency))
	for key, hist := range c.stageLatency {
		stages = append(stages, latencyMetric{
			labels:  fmt.Sprintf("stage=\"%s\"", escape(key.stage)),
			buckets: append([]float64(nil), hist.buckets...),
			counts:  append([]uint64(nil), hist.counts...),
			sum:     hist.sum,
			count:   hist.count,
		})
	}
	toolCounts := make([]toolMetric, 0, len(c.toolSearches))
	for key, value := range c.toolSearches {
		toolCounts = append(toolCounts, toolMetric{toolKey: key, value: value})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].handler == errs[j].handler {
			return errs[i].method < errs[j].method
		}
		return errs[i].handler < errs[j].handler
	})
	sort.Slice(lats, func(i, j int) bool { return lats[i].labels < lats[j].labels })
	sort.Slice(stages, func(i, j int) bool { return stages[i].labels < stages[j].labels })
	sort.Slice(toolCounts, func(i, j int) bool {
		if toolCounts[i].tool == toolCounts[j].tool {
			return toolCounts[i].outcome < toolCounts[j].outcome
		}
		return toolCounts[i].tool < toolCounts[j].tool
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP agentflow_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE agentflow_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("agentflow_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP agentflow_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE agentflow_http_request_errors_total counter\n")
	for _, metric := range errs {
		builder.WriteString(fmt.Sprintf("agentflow_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.value))
	}

	writeHistogram := func(name string, metrics []latencyMetric) {
		for _, metric := range metrics {
			for idx, bound := range metric.buckets {
				builder.WriteString(fmt.Sprintf("%s_bucket{%s,le=\"%s\"} %d\n",
					name, metric.labels, formatFloat(bound), metric.counts[idx]))
			}
			builder.WriteString(fmt.Sprintf("%s_bucket{%s,le=\"+Inf\"} %d\n", name, metric.labels, metric.count))
			builder.WriteString(fmt.Sprintf("%s_sum{%s} %s\n", name, metric.labels, formatFloat(metric.sum)))
			builder.WriteString(fmt.Sprintf("%s_count{%s} %d\n", name, metric.labels, metric.count))
		}
	}

	builder.WriteString("# HELP agentflow_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE agentflow_http_request_duration_seconds histogram\n")
	writeHistogram("agentflow_http_request_duration_seconds", lats)

	builder.WriteString("# HELP agentflow_pipeline_stage_duration_seconds Pipeline stage duration in seconds.\n")
	builder.WriteString("# TYPE agentflow_pipeline_stage_duration_seconds histogram\n")
	writeHistogram("agentflow_pipeline_stage_duration_seconds", stages)

	builder.WriteString("# HELP agentflow_tool_searches_total Total number of backend tool searches by outcome.\n")
	builder.WriteString("# TYPE agentflow_tool_searches_total counter\n")
	for _, metric := range toolCounts {
		builder.WriteString(fmt.Sprintf("agentflow_tool_searches_total{tool=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.tool), escape(metric.outcome), metric.value))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
