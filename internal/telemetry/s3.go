package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
)

// S3Config configures the S3 telemetry sink.
type S3Config struct {
	BucketName    string        `yaml:"bucket_name"`
	Region        string        `yaml:"region"`
	AccessKeyID   string        `yaml:"access_key_id"`
	SecretKey     string        `yaml:"secret_key"`
	Endpoint      string        `yaml:"endpoint"`
	PathPrefix    string        `yaml:"path_prefix"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

// s3Entry is the flattened JSONL record uploaded per request.
type s3Entry struct {
	Timestamp        time.Time      `json:"timestamp"`
	TraceID          string         `json:"trace_id"`
	CallType         string         `json:"call_type"`
	Status           string         `json:"status"`
	Model            string         `json:"model"`
	RequestedModel   string         `json:"requested_model"`
	APIProvider      string         `json:"api_provider"`
	APIBase          string         `json:"api_base"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	ResponseCost     float64        `json:"response_cost"`
	SavedCacheCost   float64        `json:"saved_cache_cost,omitempty"`
	LatencyMs        int64          `json:"latency_ms"`
	TTFTMs           *int64         `json:"ttft_ms,omitempty"`
	CacheHit         bool           `json:"cache_hit"`
	User             string         `json:"user,omitempty"`
	Error            string         `json:"error,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// S3Observer batches request payloads and uploads them to S3 as JSONL,
// partitioned by date. Register it async; uploads never block requests.
type S3Observer struct {
	config S3Config
	client *s3.Client

	mu    sync.Mutex
	queue []s3Entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewS3Observer creates the sink and starts its flush loop.
func NewS3Observer(cfg S3Config) (*S3Observer, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("s3 telemetry: bucket_name is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 telemetry: load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	obs := &S3Observer{
		config: cfg,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		queue:  make([]s3Entry, 0, cfg.BatchSize),
		stopCh: make(chan struct{}),
	}
	obs.wg.Add(1)
	go obs.flushLoop()
	return obs, nil
}

// Name identifies the observer.
func (o *S3Observer) Name() string { return "s3" }

// OnSuccess enqueues a success record.
func (o *S3Observer) OnSuccess(ctx context.Context, p *Payload) {
	o.enqueue(o.entryOf(p, ""))
}

// OnFailure enqueues a failure record.
func (o *S3Observer) OnFailure(ctx context.Context, p *Payload, err error) {
	msg := p.ErrorStr
	if msg == "" && err != nil {
		msg = err.Error()
	}
	o.enqueue(o.entryOf(p, msg))
}

// Shutdown flushes remaining records.
func (o *S3Observer) Shutdown(ctx context.Context) error {
	close(o.stopCh)
	o.wg.Wait()
	return o.flush(ctx)
}

func (o *S3Observer) entryOf(p *Payload, errMsg string) s3Entry {
	entry := s3Entry{
		Timestamp:        p.EndTime,
		TraceID:          p.TraceID,
		CallType:         string(p.CallType),
		Status:           string(p.Status),
		Model:            p.Model,
		RequestedModel:   p.RequestedModel,
		APIProvider:      p.APIProvider,
		APIBase:          p.APIBase,
		PromptTokens:     p.PromptTokens,
		CompletionTokens: p.CompletionTokens,
		TotalTokens:      p.TotalTokens,
		ResponseCost:     p.ResponseCost,
		SavedCacheCost:   p.SavedCacheCost,
		LatencyMs:        p.Latency().Milliseconds(),
		CacheHit:         p.CacheHit,
		User:             p.User,
		Error:            errMsg,
		Metadata:         p.Metadata,
	}
	if ttft := p.TTFT(); ttft > 0 {
		ms := ttft.Milliseconds()
		entry.TTFTMs = &ms
	}
	return entry
}

func (o *S3Observer) enqueue(entry s3Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = append(o.queue, entry)
	if len(o.queue) >= o.config.BatchSize {
		go o.flush(context.Background())
	}
}

func (o *S3Observer) flushLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = o.flush(context.Background())
		case <-o.stopCh:
			return
		}
	}
}

func (o *S3Observer) flush(ctx context.Context) error {
	o.mu.Lock()
	if len(o.queue) == 0 {
		o.mu.Unlock()
		return nil
	}
	entries := o.queue
	o.queue = make([]s3Entry, 0, o.config.BatchSize)
	o.mu.Unlock()

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for i := range entries {
		if err := encoder.Encode(&entries[i]); err != nil {
			continue
		}
	}

	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.config.BucketName),
		Key:         aws.String(o.objectKey(time.Now().UTC())),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("s3 telemetry: upload: %w", err)
	}
	return nil
}

func (o *S3Observer) objectKey(t time.Time) string {
	datePrefix := fmt.Sprintf("year=%d/month=%02d/day=%02d/hour=%02d",
		t.Year(), t.Month(), t.Day(), t.Hour())
	filename := fmt.Sprintf("logs_%d.jsonl", t.UnixNano())
	if o.config.PathPrefix != "" {
		return path.Join(o.config.PathPrefix, datePrefix, filename)
	}
	return path.Join(datePrefix, filename)
}
