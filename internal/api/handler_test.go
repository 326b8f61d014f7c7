package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmrelay/lmrelay"
	"github.com/lmrelay/lmrelay/internal/config"
	llmerrors "github.com/lmrelay/lmrelay/pkg/errors"
	"github.com/lmrelay/lmrelay/pkg/provider"
	"github.com/lmrelay/lmrelay/pkg/types"
)

type fakeClient struct {
	mu    sync.Mutex
	calls []string

	completeErr error
}

func (c *fakeClient) Name() string { return "fake" }

func (c *fakeClient) record(d *provider.Deployment) {
	c.mu.Lock()
	c.calls = append(c.calls, d.ID)
	c.mu.Unlock()
}

func (c *fakeClient) calledDeployments() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeClient) Complete(_ context.Context, d *provider.Deployment, _ *types.ChatRequest) (*types.ChatResponse, error) {
	c.record(d)
	if c.completeErr != nil {
		return nil, c.completeErr
	}
	return &types.ChatResponse{
		ID:    "chatcmpl-1",
		Model: d.ModelName,
		Choices: []types.Choice{{
			Message:      types.ChatMessage{Role: "assistant", Content: []byte(`"pong"`)},
			FinishReason: "stop",
		}},
		Usage: &types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}, nil
}

func (c *fakeClient) Embed(_ context.Context, d *provider.Deployment, _ *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	c.record(d)
	return &types.EmbeddingResponse{Object: "list", Model: d.ModelName}, nil
}

func (c *fakeClient) Transcribe(_ context.Context, d *provider.Deployment, req *types.TranscriptionRequest) (*types.TranscriptionResponse, error) {
	c.record(d)
	data, err := req.Audio.Bytes()
	if err != nil {
		return nil, err
	}
	return &types.TranscriptionResponse{Text: "got " + string(data)}, nil
}

func (c *fakeClient) GenerateImage(_ context.Context, d *provider.Deployment, _ *types.ImageRequest) (*types.ImageResponse, error) {
	c.record(d)
	return &types.ImageResponse{Created: 1}, nil
}

func (c *fakeClient) Rerank(_ context.Context, d *provider.Deployment, _ *types.RerankRequest) (*types.RerankResponse, error) {
	c.record(d)
	return &types.RerankResponse{}, nil
}

func (c *fakeClient) Probe(context.Context, *provider.Deployment, types.Mode) error { return nil }

func (c *fakeClient) ClassifyError(err error) *llmerrors.LLMError {
	if le := llmerrors.AsLLMError(err); le != nil {
		return le
	}
	return llmerrors.NewConnectionError("fake", "", err.Error())
}

func newTestServer(t *testing.T, fake *fakeClient) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	cfg.ModelList = []*provider.ModelGroup{
		{
			Name: "gpt-4o",
			Deployments: []*provider.Deployment{
				{ID: "d-us", Group: "gpt-4o", ProviderName: "fake", ModelName: "gpt-4o", Tags: []string{"us"}},
				{ID: "d-eu", Group: "gpt-4o", ProviderName: "fake", ModelName: "gpt-4o", Tags: []string{"eu"}},
			},
		},
		{
			Name: "whisper",
			Deployments: []*provider.Deployment{
				{ID: "w1", Group: "whisper", ProviderName: "fake", ModelName: "whisper-1"},
			},
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router, err := lmrelay.New(context.Background(), cfg,
		lmrelay.WithLogger(logger),
		lmrelay.WithProviderClient(fake),
		lmrelay.WithSeed(1),
	)
	require.NoError(t, err)

	srv := httptest.NewServer(Routes(NewHandler(router, logger)))
	t.Cleanup(func() {
		srv.Close()
		require.NoError(t, router.Close(context.Background()))
	})
	return srv
}

func postJSON(t *testing.T, url string, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestChatCompletions(t *testing.T) {
	fake := &fakeClient{}
	srv := newTestServer(t, fake)

	resp := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"ping"}]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out types.ChatResponse
	decodeBody(t, resp, &out)
	assert.Equal(t, "chatcmpl-1", out.ID)
	assert.Equal(t, "gpt-4o", out.Model)
}

func TestChatCompletionsBadBody(t *testing.T) {
	srv := newTestServer(t, &fakeClient{})

	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{not json`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out errorBody
	decodeBody(t, resp, &out)
	assert.Equal(t, string(llmerrors.KindBadRequest), out.Error.Type)
	assert.Contains(t, out.Error.Message, "invalid request body")
}

func TestChatCompletionsProviderError(t *testing.T) {
	fake := &fakeClient{
		completeErr: llmerrors.FromStatusCode(http.StatusUnauthorized, "fake", "gpt-4o", "bad key"),
	}
	srv := newTestServer(t, fake)

	resp := postJSON(t, srv.URL+"/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"ping"}]}`, nil)
	defer resp.Body.Close()
	// Terminal auth failures surface with the provider's status code.
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTagsHeaderRestrictsRouting(t *testing.T) {
	fake := &fakeClient{}
	srv := newTestServer(t, fake)

	for i := 0; i < 4; i++ {
		resp := postJSON(t, srv.URL+"/v1/chat/completions",
			`{"model":"gpt-4o","messages":[{"role":"user","content":"ping"}]}`,
			map[string]string{"X-Route-Tags": "eu"})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	for _, id := range fake.calledDeployments() {
		assert.Equal(t, "d-eu", id)
	}
}

func TestTranscriptions(t *testing.T) {
	fake := &fakeClient{}
	srv := newTestServer(t, fake)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "clip.wav")
	require.NoError(t, err)
	_, err = fw.Write([]byte("RIFFdata"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("model", "whisper"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/audio/transcriptions", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out types.TranscriptionResponse
	decodeBody(t, resp, &out)
	assert.Equal(t, "got RIFFdata", out.Text)
}

func TestTranscriptionsMissingFile(t *testing.T) {
	srv := newTestServer(t, &fakeClient{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("model", "whisper"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/audio/transcriptions", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListModels(t *testing.T) {
	srv := newTestServer(t, &fakeClient{})

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	decodeBody(t, resp, &out)
	assert.Equal(t, "list", out.Object)
	require.Len(t, out.Data, 2)
	assert.Equal(t, "gpt-4o", out.Data[0].ID)
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, &fakeClient{})

	resp, err := http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	var snap struct {
		Ready   bool   `json:"ready"`
		Version string `json:"version"`
	}
	decodeBody(t, resp, &snap)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, snap.Ready)
}

func TestDeploymentHealthNotRecorded(t *testing.T) {
	srv := newTestServer(t, &fakeClient{})

	resp, err := http.Get(srv.URL + "/health/deployments/unknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
