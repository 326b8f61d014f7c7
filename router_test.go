package lmrelay

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmrelay/lmrelay/internal/config"
	"github.com/lmrelay/lmrelay/internal/telemetry"
	llmerrors "github.com/lmrelay/lmrelay/pkg/errors"
	"github.com/lmrelay/lmrelay/pkg/provider"
	"github.com/lmrelay/lmrelay/pkg/types"
)

type stubClient struct {
	name string

	mu    sync.Mutex
	calls []string

	completeFn func(d *provider.Deployment, req *types.ChatRequest) (*types.ChatResponse, error)
}

func newStubClient() *stubClient {
	return &stubClient{name: "stub"}
}

func (c *stubClient) Name() string { return c.name }

func (c *stubClient) record(d *provider.Deployment) {
	c.mu.Lock()
	c.calls = append(c.calls, d.ID)
	c.mu.Unlock()
}

func (c *stubClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *stubClient) calledDeployments() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *stubClient) Complete(_ context.Context, d *provider.Deployment, req *types.ChatRequest) (*types.ChatResponse, error) {
	c.record(d)
	if c.completeFn != nil {
		return c.completeFn(d, req)
	}
	return &types.ChatResponse{
		ID:    "chatcmpl-test",
		Model: d.ModelName,
		Choices: []types.Choice{{
			Message:      types.ChatMessage{Role: "assistant", Content: []byte(`"hello"`)},
			FinishReason: "stop",
		}},
		Usage:        &types.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		HiddenParams: &types.HiddenParams{DeploymentID: d.ID, Provider: c.name},
	}, nil
}

func (c *stubClient) Embed(_ context.Context, d *provider.Deployment, _ *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	c.record(d)
	return &types.EmbeddingResponse{
		Object: "list",
		Model:  d.ModelName,
		Data:   []types.EmbeddingData{{Object: "embedding", Embedding: []float64{0.1, 0.2}}},
		Usage:  &types.Usage{PromptTokens: 4, TotalTokens: 4},
	}, nil
}

func (c *stubClient) Transcribe(_ context.Context, d *provider.Deployment, _ *types.TranscriptionRequest) (*types.TranscriptionResponse, error) {
	c.record(d)
	return &types.TranscriptionResponse{Text: "transcribed"}, nil
}

func (c *stubClient) GenerateImage(_ context.Context, d *provider.Deployment, _ *types.ImageRequest) (*types.ImageResponse, error) {
	c.record(d)
	return &types.ImageResponse{Created: 1, Data: []types.ImageData{{URL: "https://img.example/1.png"}}}, nil
}

func (c *stubClient) Rerank(_ context.Context, d *provider.Deployment, _ *types.RerankRequest) (*types.RerankResponse, error) {
	c.record(d)
	return &types.RerankResponse{Results: []types.RerankResult{{Index: 0, RelevanceScore: 0.9}}}, nil
}

func (c *stubClient) Probe(context.Context, *provider.Deployment, types.Mode) error { return nil }

func (c *stubClient) ClassifyError(err error) *llmerrors.LLMError {
	if le := llmerrors.AsLLMError(err); le != nil {
		return le
	}
	return llmerrors.NewConnectionError(c.name, "", err.Error())
}

type captureObserver struct {
	mu        sync.Mutex
	events    []*telemetry.Payload
	successes []*telemetry.Payload
	failures  []*telemetry.Payload
}

func (o *captureObserver) Name() string { return "capture" }

func (o *captureObserver) OnPreCall(_ context.Context, p *telemetry.Payload) {
	o.mu.Lock()
	o.events = append(o.events, p)
	o.mu.Unlock()
}

func (o *captureObserver) OnAttempt(_ context.Context, p *telemetry.Payload, _ error) {
	o.mu.Lock()
	o.events = append(o.events, p)
	o.mu.Unlock()
}

func (o *captureObserver) OnSuccess(_ context.Context, p *telemetry.Payload) {
	o.mu.Lock()
	o.events = append(o.events, p)
	o.successes = append(o.successes, p)
	o.mu.Unlock()
}

func (o *captureObserver) OnFailure(_ context.Context, p *telemetry.Payload, _ error) {
	o.mu.Lock()
	o.events = append(o.events, p)
	o.failures = append(o.failures, p)
	o.mu.Unlock()
}

func (o *captureObserver) lastSuccess() *telemetry.Payload {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.successes) == 0 {
		return nil
	}
	return o.successes[len(o.successes)-1]
}

// timeline returns the status and trace id of every event, in emit order.
func (o *captureObserver) timeline() ([]telemetry.Status, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	statuses := make([]telemetry.Status, len(o.events))
	traces := make([]string, len(o.events))
	for i, p := range o.events {
		statuses[i] = p.Status
		traces[i] = p.TraceID
	}
	return statuses, traces
}

func dep(id, group, model string, tags ...string) *provider.Deployment {
	return &provider.Deployment{
		ID:           id,
		Group:        group,
		ProviderName: "stub",
		ModelName:    model,
		Tags:         tags,
	}
}

func testConfig(groups ...*provider.ModelGroup) *config.Config {
	cfg := config.Default()
	cfg.ModelList = groups
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, cfg *config.Config, stub *stubClient, extra ...Option) (*Router, *captureObserver) {
	t.Helper()

	capture := &captureObserver{}
	opts := append([]Option{
		WithLogger(discardLogger()),
		WithProviderClient(stub),
		WithObserver(capture),
		WithSeed(1),
	}, extra...)

	r, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Close(context.Background()))
	})
	return r, capture
}

func chatRequest(model string) *types.ChatRequest {
	return &types.ChatRequest{
		Model:    model,
		Messages: []types.ChatMessage{{Role: "user", Content: []byte(`"hi"`)}},
	}
}

func TestCompletionRoutesToDeployment(t *testing.T) {
	stub := newStubClient()
	cfg := testConfig(&provider.ModelGroup{
		Name:        "gpt-4o",
		Deployments: []*provider.Deployment{dep("d1", "gpt-4o", "gpt-4o")},
	})
	r, capture := newTestRouter(t, cfg, stub)

	resp, err := r.Completion(context.Background(), chatRequest("gpt-4o"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, []string{"d1"}, stub.calledDeployments())

	p := capture.lastSuccess()
	require.NotNil(t, p)
	assert.Equal(t, telemetry.CallTypeChatCompletion, p.CallType)
	assert.Equal(t, "gpt-4o", p.RequestedModel)
	assert.Equal(t, "d1", p.DeploymentID)
	assert.Equal(t, 30, p.TotalTokens)
	assert.NotEmpty(t, p.TraceID)
	assert.False(t, p.CacheHit)
	// gpt-4o is in the embedded price table, so cost is attributed.
	assert.Greater(t, p.ResponseCost, 0.0)
}

func TestCompletionCacheHit(t *testing.T) {
	stub := newStubClient()
	cfg := testConfig(&provider.ModelGroup{
		Name:        "gpt-4o",
		Deployments: []*provider.Deployment{dep("d1", "gpt-4o", "gpt-4o")},
	})
	cfg.Cache.Enabled = true

	r, capture := newTestRouter(t, cfg, stub)

	first, err := r.Completion(context.Background(), chatRequest("gpt-4o"))
	require.NoError(t, err)
	second, err := r.Completion(context.Background(), chatRequest("gpt-4o"))
	require.NoError(t, err)

	assert.Equal(t, 1, stub.callCount())
	assert.Equal(t, first.ID, second.ID)

	p := capture.lastSuccess()
	require.NotNil(t, p)
	assert.True(t, p.CacheHit)
	assert.NotEmpty(t, p.CacheKey)
	assert.Zero(t, p.ResponseCost)
	assert.Greater(t, p.SavedCacheCost, 0.0)
}

func TestCompletionNoCacheDirective(t *testing.T) {
	stub := newStubClient()
	cfg := testConfig(&provider.ModelGroup{
		Name:        "gpt-4o",
		Deployments: []*provider.Deployment{dep("d1", "gpt-4o", "gpt-4o")},
	})
	cfg.Cache.Enabled = true

	r, _ := newTestRouter(t, cfg, stub)

	req := chatRequest("gpt-4o")
	req.CacheControl = &types.CacheControl{NoCache: true}

	_, err := r.Completion(context.Background(), req)
	require.NoError(t, err)
	_, err = r.Completion(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 2, stub.callCount())
}

func TestStreamingRequestsBypassCache(t *testing.T) {
	stub := newStubClient()
	cfg := testConfig(&provider.ModelGroup{
		Name:        "gpt-4o",
		Deployments: []*provider.Deployment{dep("d1", "gpt-4o", "gpt-4o")},
	})
	cfg.Cache.Enabled = true

	r, _ := newTestRouter(t, cfg, stub)

	req := chatRequest("gpt-4o")
	req.Stream = true

	_, err := r.Completion(context.Background(), req)
	require.NoError(t, err)
	_, err = r.Completion(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 2, stub.callCount())
}

func TestCompletionFallsBackAcrossGroups(t *testing.T) {
	stub := newStubClient()
	stub.completeFn = func(d *provider.Deployment, _ *types.ChatRequest) (*types.ChatResponse, error) {
		if d.Group == "primary" {
			return nil, llmerrors.FromStatusCode(500, "stub", d.ModelName, "backend exploded")
		}
		return &types.ChatResponse{
			ID:    "chatcmpl-fallback",
			Model: d.ModelName,
			Usage: &types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		}, nil
	}

	cfg := testConfig(
		&provider.ModelGroup{
			Name:        "primary",
			Deployments: []*provider.Deployment{dep("p1", "primary", "model-a")},
			Fallbacks:   []string{"secondary"},
		},
		&provider.ModelGroup{
			Name:        "secondary",
			Deployments: []*provider.Deployment{dep("s1", "secondary", "model-b")},
		},
	)
	r, _ := newTestRouter(t, cfg, stub)

	resp, err := r.Completion(context.Background(), chatRequest("primary"))
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-fallback", resp.ID)
	assert.Equal(t, []string{"p1", "s1"}, stub.calledDeployments())
}

func TestCompletionAllDeploymentsFailing(t *testing.T) {
	stub := newStubClient()
	stub.completeFn = func(d *provider.Deployment, _ *types.ChatRequest) (*types.ChatResponse, error) {
		return nil, llmerrors.FromStatusCode(503, "stub", d.ModelName, "down")
	}

	cfg := testConfig(&provider.ModelGroup{
		Name: "gpt-4o",
		Deployments: []*provider.Deployment{
			dep("d1", "gpt-4o", "gpt-4o"),
			dep("d2", "gpt-4o", "gpt-4o"),
		},
	})
	r, capture := newTestRouter(t, cfg, stub)

	_, err := r.Completion(context.Background(), chatRequest("gpt-4o"))
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindNoDeployments, llmerrors.KindOf(err))

	le := llmerrors.AsLLMError(err)
	require.NotNil(t, le)
	assert.NotEmpty(t, le.Attempts)

	capture.mu.Lock()
	defer capture.mu.Unlock()
	require.Len(t, capture.failures, 1)
	assert.Equal(t, telemetry.StatusFailure, capture.failures[0].Status)
	assert.Equal(t, string(llmerrors.KindNoDeployments), capture.failures[0].ExceptionClass)
}

func TestRetryTelemetrySharesTraceID(t *testing.T) {
	stub := newStubClient()
	failed := false
	stub.completeFn = func(d *provider.Deployment, _ *types.ChatRequest) (*types.ChatResponse, error) {
		if !failed {
			failed = true
			return nil, llmerrors.FromStatusCode(500, "stub", d.ModelName, "backend exploded")
		}
		return &types.ChatResponse{
			ID:    "chatcmpl-retried",
			Model: d.ModelName,
			Usage: &types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		}, nil
	}

	cfg := testConfig(&provider.ModelGroup{
		Name: "gpt-4o",
		Deployments: []*provider.Deployment{
			dep("d1", "gpt-4o", "gpt-4o"),
			dep("d2", "gpt-4o", "gpt-4o"),
		},
	})
	r, capture := newTestRouter(t, cfg, stub)

	_, err := r.Completion(context.Background(), chatRequest("gpt-4o"))
	require.NoError(t, err)

	statuses, traces := capture.timeline()
	assert.Equal(t, []telemetry.Status{
		telemetry.StatusPreCall,
		telemetry.StatusAttempt,
		telemetry.StatusSuccess,
	}, statuses)
	for _, id := range traces {
		assert.Equal(t, traces[0], id)
	}
}

func TestTagsRestrictSelection(t *testing.T) {
	stub := newStubClient()
	cfg := testConfig(&provider.ModelGroup{
		Name: "gpt-4o",
		Deployments: []*provider.Deployment{
			dep("us-east", "gpt-4o", "gpt-4o", "us"),
			dep("eu-west", "gpt-4o", "gpt-4o", "eu"),
		},
	})
	r, _ := newTestRouter(t, cfg, stub)

	ctx := ContextWithTags(context.Background(), "eu")
	for i := 0; i < 5; i++ {
		_, err := r.Completion(ctx, chatRequest("gpt-4o"))
		require.NoError(t, err)
	}

	for _, id := range stub.calledDeployments() {
		assert.Equal(t, "eu-west", id)
	}
}

func TestEmbedding(t *testing.T) {
	stub := newStubClient()
	cfg := testConfig(&provider.ModelGroup{
		Name:        "embeddings",
		Deployments: []*provider.Deployment{dep("e1", "embeddings", "text-embedding-3-small")},
	})
	r, capture := newTestRouter(t, cfg, stub)

	resp, err := r.Embedding(context.Background(), &types.EmbeddingRequest{
		Model: "embeddings",
		Input: []string{"hello world"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)

	p := capture.lastSuccess()
	require.NotNil(t, p)
	assert.Equal(t, telemetry.CallTypeEmbedding, p.CallType)
	assert.Equal(t, "text-embedding-3-small", p.Model)
}

func TestRerank(t *testing.T) {
	stub := newStubClient()
	cfg := testConfig(&provider.ModelGroup{
		Name:        "reranker",
		Deployments: []*provider.Deployment{dep("r1", "reranker", "rerank-english-v3.0")},
	})
	r, _ := newTestRouter(t, cfg, stub)

	resp, err := r.Rerank(context.Background(), &types.RerankRequest{
		Model:     "reranker",
		Query:     "best pizza",
		Documents: []string{"pizza places", "sushi bars"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 0.9, resp.Results[0].RelevanceScore)
}

func TestImageGeneration(t *testing.T) {
	stub := newStubClient()
	cfg := testConfig(&provider.ModelGroup{
		Name:        "images",
		Deployments: []*provider.Deployment{dep("i1", "images", "dall-e-3")},
	})
	r, _ := newTestRouter(t, cfg, stub)

	resp, err := r.ImageGeneration(context.Background(), &types.ImageRequest{
		Model:  "images",
		Prompt: "a lighthouse at dusk",
	})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.NotEmpty(t, resp.Data[0].URL)
}

func TestUnknownGroup(t *testing.T) {
	stub := newStubClient()
	cfg := testConfig(&provider.ModelGroup{
		Name:        "gpt-4o",
		Deployments: []*provider.Deployment{dep("d1", "gpt-4o", "gpt-4o")},
	})
	r, _ := newTestRouter(t, cfg, stub)

	_, err := r.Completion(context.Background(), chatRequest("nonexistent"))
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindNoDeployments, llmerrors.KindOf(err))
	assert.Zero(t, stub.callCount())
}

func TestApplyConfigSwapsModelList(t *testing.T) {
	stub := newStubClient()
	cfg := testConfig(&provider.ModelGroup{
		Name:        "old-group",
		Deployments: []*provider.Deployment{dep("d1", "old-group", "gpt-4o")},
	})
	r, _ := newTestRouter(t, cfg, stub)

	_, err := r.Completion(context.Background(), chatRequest("old-group"))
	require.NoError(t, err)

	next := testConfig(&provider.ModelGroup{
		Name:        "new-group",
		Deployments: []*provider.Deployment{dep("d2", "new-group", "gpt-4o")},
	})
	require.NoError(t, r.ApplyConfig(context.Background(), next))

	_, err = r.Completion(context.Background(), chatRequest("old-group"))
	require.Error(t, err)

	_, err = r.Completion(context.Background(), chatRequest("new-group"))
	require.NoError(t, err)
	assert.Contains(t, stub.calledDeployments(), "d2")
}

func TestReadiness(t *testing.T) {
	stub := newStubClient()
	cfg := testConfig(&provider.ModelGroup{
		Name:        "gpt-4o",
		Deployments: []*provider.Deployment{dep("d1", "gpt-4o", "gpt-4o")},
	})
	r, _ := newTestRouter(t, cfg, stub)

	snap := r.Readiness(context.Background())
	assert.True(t, snap.Ready)
	assert.Equal(t, Version, snap.Version)
	assert.Equal(t, "healthy", snap.Components["store"])
}

func TestHealthCheckReport(t *testing.T) {
	stub := newStubClient()
	cfg := testConfig(
		&provider.ModelGroup{
			Name:        "gpt-4o",
			Deployments: []*provider.Deployment{dep("d1", "gpt-4o", "gpt-4o")},
		},
		&provider.ModelGroup{
			Name: "broken",
			Deployments: []*provider.Deployment{
				// Wildcard over a provider with no known cheap model and no
				// health_check_model cannot be probed.
				dep("b1", "broken", "stub/*"),
			},
		},
	)
	r, _ := newTestRouter(t, cfg, stub)

	report := r.HealthCheck(context.Background())
	require.Len(t, report.Healthy, 1)
	require.Len(t, report.Unhealthy, 1)
	assert.Equal(t, "d1", report.Healthy[0].DeploymentID)
	assert.Equal(t, "b1", report.Unhealthy[0].DeploymentID)

	// Group filter narrows the report.
	filtered := r.HealthCheck(context.Background(), "gpt-4o")
	assert.Len(t, filtered.Healthy, 1)
	assert.Empty(t, filtered.Unhealthy)
}

func TestRunHealthChecksMarksStatus(t *testing.T) {
	stub := newStubClient()
	cfg := testConfig(&provider.ModelGroup{
		Name:        "gpt-4o",
		Deployments: []*provider.Deployment{dep("d1", "gpt-4o", "gpt-4o")},
	})
	r, _ := newTestRouter(t, cfg, stub)

	r.RunHealthChecks(context.Background())

	status, ok := r.DeploymentHealth(context.Background(), "d1")
	require.True(t, ok)
	assert.True(t, status.Healthy)
}
