package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/sandboxd/internal/broadcast"
	"github.com/steveyegge/sandboxd/internal/provider"
	"github.com/steveyegge/sandboxd/internal/provider/providertest"
	"github.com/steveyegge/sandboxd/internal/provisioning"
	"github.com/steveyegge/sandboxd/internal/session"
	"github.com/steveyegge/sandboxd/internal/storage/sqlite"
)

// app is the wired set of components every command works with.
type app struct {
	store  *sqlite.SQLiteStorage
	client provider.Client
	hub    *broadcast.Hub
	orch   *provisioning.Orchestrator
	turns  *session.Manager
}

func newApp(ctx context.Context) (*app, error) {
	store, err := sqlite.New(ctx, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	client, err := newProviderClient()
	if err != nil {
		store.Close()
		return nil, err
	}

	hub := broadcast.NewHub(broadcast.Config{
		SendBuffer:   cfg.Broadcast.SendBuffer,
		PingInterval: cfg.Broadcast.PingInterval,
		Logger:       logger,
	})

	p := cfg.Provisioning
	orch, err := provisioning.New(client, store, hub, provisioning.Config{
		QueueSize:       p.QueueSize,
		CommitDelay:     p.CommitDelay,
		CreateTimeout:   p.CreateTimeout,
		StepTimeout:     p.StepTimeout,
		StartTimeout:    p.StartTimeout,
		StopTimeout:     p.StopTimeout,
		AppPort:         p.AppPort,
		Image:           cfg.Provider.Image,
		AutoStopMinutes: cfg.Provider.AutoStopMinutes,
		StepOverrides:   p.Steps,
		Logger:          logger,
	})
	if err != nil {
		hub.Close()
		store.Close()
		return nil, err
	}

	s := cfg.Session
	turns := session.NewManager(client, session.Config{
		StreamTimeout:  s.StreamTimeout,
		CleanupTimeout: s.CleanupTimeout,
		ScratchDir:     s.ScratchDir,
		AgentBinary:    s.AgentBinary,
		ExtraArgs:      s.ExtraArgs,
		AgentEnv:       agentEnv(s.APIKeyEnv),
		Logger:         logger,
	})

	return &app{store: store, client: client, hub: hub, orch: orch, turns: turns}, nil
}

// startWorker runs the provisioning worker until ctx ends and returns a
// function that shuts it down.
func (a *app) startWorker(ctx context.Context) func() {
	go func() {
		if err := a.orch.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("provisioning worker stopped", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("provisioning shutdown incomplete", "error", err)
		}
	}
}

func (a *app) close() {
	a.hub.Close()
	if err := a.store.Close(); err != nil {
		logger.Warn("failed to close database", "error", err)
	}
}

func newProviderClient() (provider.Client, error) {
	if fakeProvider {
		logger.Warn("using in-memory sandbox provider; sandboxes do not survive restarts")
		return newFakeProvider(), nil
	}
	if !cfg.ProviderConfigured() {
		return nil, fmt.Errorf("provider API key is not set (set provider.api_key or SANDBOXD_PROVIDER_API_KEY, or pass --fake-provider)")
	}
	pc := cfg.Provider
	client, err := provider.NewHTTPClient(provider.HTTPConfig{
		APIURL:         pc.APIURL,
		APIKey:         pc.APIKey,
		Target:         pc.Target,
		RequestTimeout: pc.RequestTimeout,
		RateLimit:      pc.RateLimit,
		Burst:          pc.Burst,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provider client: %w", err)
	}
	return client, nil
}

// newFakeProvider returns an in-memory provider whose sandboxes finish
// setup immediately and answer every prompt with a canned agent reply.
func newFakeProvider() *providertest.Fake {
	fake := providertest.New()
	fake.NewSandbox = func(sb *providertest.Sandbox) {
		sb.Exec = func(cmd, cwd string, env map[string]string) (provider.ExecResult, error) {
			if strings.HasPrefix(cmd, "curl ") {
				return provider.ExecResult{Result: "200"}, nil
			}
			time.Sleep(100 * time.Millisecond)
			return provider.ExecResult{}, nil
		}
		sb.Logs = providertest.AgentReply(uuid.New().String(), "This is the in-memory provider. Nothing ran.")
	}
	return fake
}

// agentEnv forwards the local API key to the agent inside the sandbox.
func agentEnv(keyVar string) map[string]string {
	if keyVar == "" {
		return nil
	}
	if v := os.Getenv(keyVar); v != "" {
		return map[string]string{"ANTHROPIC_API_KEY": v}
	}
	return nil
}
