package healthcheck

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmrelay/lmrelay/internal/clock"
	"github.com/lmrelay/lmrelay/internal/store"
	llmerrors "github.com/lmrelay/lmrelay/pkg/errors"
	"github.com/lmrelay/lmrelay/pkg/provider"
	"github.com/lmrelay/lmrelay/pkg/types"
)

type stubClient struct {
	mu            sync.Mutex
	name          string
	probeErr      map[string]error
	probeModelErr map[string]error
	probed        []string
	probedModels  []string
}

func (c *stubClient) Name() string { return c.name }

func (c *stubClient) Probe(ctx context.Context, d *provider.Deployment, mode types.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probed = append(c.probed, d.ID)
	c.probedModels = append(c.probedModels, d.ModelName)
	if err := c.probeErr[d.ID]; err != nil {
		return err
	}
	return c.probeModelErr[d.ModelName]
}

func (c *stubClient) probedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.probed))
	copy(out, c.probed)
	return out
}

func (c *stubClient) models() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.probedModels))
	copy(out, c.probedModels)
	return out
}

func (c *stubClient) Complete(ctx context.Context, d *provider.Deployment, req *types.ChatRequest) (*types.ChatResponse, error) {
	return nil, errors.New("not implemented")
}
func (c *stubClient) Embed(ctx context.Context, d *provider.Deployment, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	return nil, errors.New("not implemented")
}
func (c *stubClient) Transcribe(ctx context.Context, d *provider.Deployment, req *types.TranscriptionRequest) (*types.TranscriptionResponse, error) {
	return nil, errors.New("not implemented")
}
func (c *stubClient) GenerateImage(ctx context.Context, d *provider.Deployment, req *types.ImageRequest) (*types.ImageResponse, error) {
	return nil, errors.New("not implemented")
}
func (c *stubClient) Rerank(ctx context.Context, d *provider.Deployment, req *types.RerankRequest) (*types.RerankResponse, error) {
	return nil, errors.New("not implemented")
}
func (c *stubClient) ClassifyError(err error) *llmerrors.LLMError {
	return llmerrors.New(llmerrors.KindInternal, 500, c.name, "", err.Error())
}

func newTestChecker(t *testing.T, client *stubClient, deployments []*provider.Deployment) (*Checker, store.Store) {
	t.Helper()
	registry := provider.NewRegistry()
	registry.Register(client)
	s := store.NewMemory(0)
	t.Cleanup(func() { s.Close() })
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	c := NewChecker(registry, s, clk, func() []*provider.Deployment { return deployments }, Config{Enabled: true}, nil)
	return c, s
}

func TestRunOnceMarksHealthyAndUnhealthy(t *testing.T) {
	client := &stubClient{
		name:     "openai",
		probeErr: map[string]error{"bad": errors.New("connection refused")},
	}
	deployments := []*provider.Deployment{
		{ID: "good", ProviderName: "openai", ModelName: "gpt-4o"},
		{ID: "bad", ProviderName: "openai", ModelName: "gpt-4o"},
	}
	checker, _ := newTestChecker(t, client, deployments)

	checker.RunOnce(context.Background())

	status, ok := checker.StatusOf(context.Background(), "good")
	require.True(t, ok)
	assert.True(t, status.Healthy)
	assert.Equal(t, "chat", status.Mode)

	status, ok = checker.StatusOf(context.Background(), "bad")
	require.True(t, ok)
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Reason, "connection refused")

	assert.ElementsMatch(t, []string{"good", "bad"}, client.probedIDs())
}

func TestWildcardSubstitutesCheapModel(t *testing.T) {
	client := &stubClient{name: "openai"}
	deployments := []*provider.Deployment{
		{ID: "wild", ProviderName: "openai", ModelName: "openai/*"},
	}
	checker, _ := newTestChecker(t, client, deployments)

	checker.RunOnce(context.Background())

	status, ok := checker.StatusOf(context.Background(), "wild")
	require.True(t, ok)
	assert.True(t, status.Healthy)
	assert.Equal(t, []string{"gpt-4o-mini"}, client.models())
}

func TestWildcardFallsBackToNextCandidate(t *testing.T) {
	client := &stubClient{
		name:          "openai",
		probeModelErr: map[string]error{"gpt-4o-mini": errors.New("model decommissioned")},
	}
	deployments := []*provider.Deployment{
		{ID: "wild", ProviderName: "openai", ModelName: "openai/*"},
	}
	checker, _ := newTestChecker(t, client, deployments)

	checker.RunOnce(context.Background())

	status, ok := checker.StatusOf(context.Background(), "wild")
	require.True(t, ok)
	assert.True(t, status.Healthy)
	assert.Equal(t, []string{"gpt-4o-mini", "gpt-3.5-turbo"}, client.models())
}

func TestWildcardUnknownProviderIsUnhealthy(t *testing.T) {
	client := &stubClient{name: "homegrown"}
	deployments := []*provider.Deployment{
		{ID: "wild", ProviderName: "homegrown", ModelName: "homegrown/*"},
	}
	checker, _ := newTestChecker(t, client, deployments)

	checker.RunOnce(context.Background())

	status, ok := checker.StatusOf(context.Background(), "wild")
	require.True(t, ok)
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Reason, "health_check_model")
	// The probe never reached the provider.
	assert.Empty(t, client.probedIDs())
}

func TestWildcardHealthCheckModelOverridesTable(t *testing.T) {
	client := &stubClient{name: "openai"}
	deployments := []*provider.Deployment{
		{ID: "wild", ProviderName: "openai", ModelName: "openai/*", HealthCheckModel: "gpt-4.1-nano"},
	}
	checker, _ := newTestChecker(t, client, deployments)

	checker.RunOnce(context.Background())

	status, ok := checker.StatusOf(context.Background(), "wild")
	require.True(t, ok)
	assert.True(t, status.Healthy)
	assert.Equal(t, []string{"wild"}, client.probedIDs())
	assert.Equal(t, []string{"gpt-4.1-nano"}, client.models())
}

func TestUnknownProviderIsUnhealthy(t *testing.T) {
	client := &stubClient{name: "openai"}
	deployments := []*provider.Deployment{
		{ID: "orphan", ProviderName: "mystery", ModelName: "m"},
	}
	checker, _ := newTestChecker(t, client, deployments)

	checker.RunOnce(context.Background())

	status, ok := checker.StatusOf(context.Background(), "orphan")
	require.True(t, ok)
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Reason, "no provider client registered")
}

func TestIsHealthyOptimisticOnMissingStatus(t *testing.T) {
	client := &stubClient{name: "openai"}
	d := &provider.Deployment{ID: "fresh", ProviderName: "openai", ModelName: "gpt-4o"}
	checker, _ := newTestChecker(t, client, []*provider.Deployment{d})

	// Never probed: assume healthy.
	assert.True(t, checker.IsHealthy(context.Background(), d))
}

func TestIsHealthyReflectsPersistedStatus(t *testing.T) {
	client := &stubClient{
		name:     "openai",
		probeErr: map[string]error{"down": errors.New("boom")},
	}
	up := &provider.Deployment{ID: "up", ProviderName: "openai", ModelName: "gpt-4o"}
	down := &provider.Deployment{ID: "down", ProviderName: "openai", ModelName: "gpt-4o"}
	checker, _ := newTestChecker(t, client, []*provider.Deployment{up, down})

	checker.RunOnce(context.Background())

	assert.True(t, checker.IsHealthy(context.Background(), up))
	assert.False(t, checker.IsHealthy(context.Background(), down))
}

func TestIsHealthyOptimisticOnCorruptStatus(t *testing.T) {
	client := &stubClient{name: "openai"}
	d := &provider.Deployment{ID: "dep", ProviderName: "openai", ModelName: "gpt-4o"}
	checker, s := newTestChecker(t, client, []*provider.Deployment{d})

	require.NoError(t, s.Set(context.Background(), store.HealthKey("dep"), []byte("{not json"), 0))
	assert.True(t, checker.IsHealthy(context.Background(), d))
}

func TestRunOnceRespectsConcurrencyLimit(t *testing.T) {
	client := &stubClient{name: "openai"}
	var deployments []*provider.Deployment
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		deployments = append(deployments, &provider.Deployment{ID: id, ProviderName: "openai", ModelName: "gpt-4o"})
	}
	registry := provider.NewRegistry()
	registry.Register(client)
	s := store.NewMemory(0)
	defer s.Close()
	checker := NewChecker(registry, s, nil, func() []*provider.Deployment { return deployments },
		Config{Enabled: true, Concurrency: 2}, nil)

	checker.RunOnce(context.Background())
	assert.Len(t, client.probedIDs(), 5)
}

func TestProbeModeDefaultsToChat(t *testing.T) {
	assert.Equal(t, types.ModeChat, ProbeMode(&provider.Deployment{}))
	assert.Equal(t, types.ModeEmbedding, ProbeMode(&provider.Deployment{HealthCheckMode: types.ModeEmbedding}))
}

func TestProbeModelResolution(t *testing.T) {
	models, err := ProbeModels(&provider.Deployment{ModelName: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o"}, models)

	models, err = ProbeModels(&provider.Deployment{ModelName: "openai/*", HealthCheckModel: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o-mini"}, models)

	// Wildcard without an override substitutes from the cheap-model table,
	// inferring the provider from the model prefix when unset.
	models, err = ProbeModels(&provider.Deployment{ID: "w", ModelName: "anthropic/*"})
	require.NoError(t, err)
	assert.Equal(t, wildcardProbeModels["anthropic"], models)

	_, err = ProbeModels(&provider.Deployment{ID: "w", ModelName: "mystery/*"})
	assert.Error(t, err)
}
