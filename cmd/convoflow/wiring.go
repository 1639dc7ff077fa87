package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/randalmurphal/convoflow/internal/llm"
	"github.com/randalmurphal/convoflow/internal/workflows/fsagent"
	"github.com/randalmurphal/convoflow/internal/workflows/triage"
	"github.com/randalmurphal/convoflow/pkg/convoflow"
	"github.com/randalmurphal/convoflow/pkg/convoflow/checkpoint"
	"github.com/randalmurphal/convoflow/pkg/convoflow/config"
	"github.com/randalmurphal/convoflow/pkg/convoflow/conversation"
	"github.com/randalmurphal/convoflow/pkg/convoflow/coordinator"
	"github.com/randalmurphal/convoflow/pkg/convoflow/registry"
	"github.com/randalmurphal/convoflow/pkg/convoflow/retry"
)

func openStore(ctx context.Context, cfg config.Store) (checkpoint.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return checkpoint.NewSQLiteStore(cfg.Path)
	case "redis":
		var opts []checkpoint.RedisOption
		if cfg.RedisTTL > 0 {
			opts = append(opts, checkpoint.WithTTL(cfg.RedisTTL))
		}
		return checkpoint.NewRedisStore(cfg.RedisURL, opts...)
	case "postgres":
		return checkpoint.NewPostgresStore(ctx, cfg.PostgresDSN)
	case "memory", "":
		return checkpoint.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newClient(cfg config.LLM, logger *slog.Logger) llm.Client {
	if cfg.Provider != "openai" {
		logger.Info("using scripted model replies")
		replies := append(triage.ScriptedReplies(), fsagent.ScriptedReplies()...)
		return llm.NewScripted(replies...)
	}
	opts := []llm.OpenAIOption{
		llm.WithAPIKey(cfg.APIKey),
		llm.WithModel(cfg.Model),
		llm.WithTimeout(cfg.Timeout),
		llm.WithRetryPolicy(retry.NewPolicy(
			retry.WithMaxAttempts(cfg.MaxAttempts),
			retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
				logger.Warn("retrying model call", "attempt", attempt, "wait", wait.String(), "error", err)
			}),
		)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, llm.WithBaseURL(cfg.BaseURL))
	}
	return llm.NewOpenAI(opts...)
}

// buildWorkflows compiles every workflow and gives each its own manager
// over a namespaced view of the shared store.
func buildWorkflows(cfg config.Server, store checkpoint.Store, logger *slog.Logger) (*coordinator.Workflows, error) {
	codec, err := checkpoint.CodecByName(cfg.Store.Codec, cfg.Store.Compress)
	if err != nil {
		return nil, err
	}
	policy := convoflow.LockWait
	if cfg.Locks == "reject" {
		policy = convoflow.LockReject
	}

	client := newClient(cfg.LLM, logger)
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	triageGraph, err := triage.New(triage.Deps{LLM: client, Tickets: triage.NewMemoryTickets()})
	if err != nil {
		return nil, err
	}
	agentGraph, err := fsagent.New(fsagent.Deps{LLM: client, Root: cfg.Workspace})
	if err != nil {
		return nil, err
	}

	runOpts := []convoflow.RunOption[conversation.State]{
		convoflow.WithObservabilityLogger[conversation.State](logger),
	}
	if cfg.OTLP.Endpoint != "" {
		runOpts = append(runOpts,
			convoflow.WithMetrics[conversation.State](true),
			convoflow.WithTracing[conversation.State](true),
		)
	}

	workflows := registry.New[*coordinator.Manager]()
	for _, wf := range []struct {
		name, description string
		graph             *convoflow.CompiledGraph[conversation.State]
	}{
		{triage.Name, triage.Description, triageGraph},
		{fsagent.Name, fsagent.Description, agentGraph},
	} {
		m := convoflow.NewManager(wf.graph, checkpoint.Namespaced(store, wf.name),
			convoflow.WithCodec[conversation.State](codec),
			convoflow.WithLockPolicy[conversation.State](policy),
			convoflow.WithRetain[conversation.State](cfg.Store.Retain),
			convoflow.WithManagerLogger[conversation.State](logger.With("workflow", wf.name)),
			convoflow.WithRunOptions(runOpts...),
		)
		if err := workflows.Register(wf.name, wf.description, m); err != nil {
			return nil, err
		}
	}
	return workflows, nil
}
