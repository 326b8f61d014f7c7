// Package lmrelay routes unified LLM requests across multiple providers. A
// Router resolves a logical model group to a concrete deployment, applies
// retry, fallback, and cooldown policy, caches responses, and emits metrics
// and telemetry for every call.
//
// Basic usage:
//
//	cfg, err := config.Load("config.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	router, err := lmrelay.New(context.Background(), cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer router.Close(context.Background())
//
//	resp, err := router.Completion(ctx, &types.ChatRequest{
//		Model:    "gpt-4o",
//		Messages: []types.ChatMessage{{Role: "user", Content: []byte(`"hi"`)}},
//	})
package lmrelay

import "context"

// Version is the gateway release version, reported by the readiness endpoint.
const Version = "0.3.0"

type contextKey int

const tagsKey contextKey = iota

// ContextWithTags attaches routing tags to the context. Deployments are
// filtered to those carrying every attached tag.
func ContextWithTags(ctx context.Context, tags ...string) context.Context {
	if len(tags) == 0 {
		return ctx
	}
	return context.WithValue(ctx, tagsKey, tags)
}

// TagsFromContext returns the routing tags attached to the context, if any.
func TagsFromContext(ctx context.Context) []string {
	tags, _ := ctx.Value(tagsKey).([]string)
	return tags
}
