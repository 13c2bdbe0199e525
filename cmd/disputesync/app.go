package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/disputesync/internal/adapter"
	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/capability"
	"github.com/agentworkforce/disputesync/internal/casefsm"
	"github.com/agentworkforce/disputesync/internal/config"
	"github.com/agentworkforce/disputesync/internal/credential"
	"github.com/agentworkforce/disputesync/internal/dispatch"
	"github.com/agentworkforce/disputesync/internal/httpapi"
	"github.com/agentworkforce/disputesync/internal/log"
	"github.com/agentworkforce/disputesync/internal/normalize"
	"github.com/agentworkforce/disputesync/internal/orchestrator"
	"github.com/agentworkforce/disputesync/internal/queue"
	"github.com/agentworkforce/disputesync/internal/ratelimit"
	"github.com/agentworkforce/disputesync/internal/scoring"
	"github.com/agentworkforce/disputesync/internal/store"
	"github.com/agentworkforce/disputesync/internal/webhook"
)

// app owns every long-lived component of the server process.
type app struct {
	store       store.Store
	events      queue.Queue
	tasks       queue.Queue
	dedup       webhook.DedupCache
	registry    *capability.Registry
	vault       credential.Vault
	credentials *credential.Manager
	limiter     *ratelimit.Limiter
	dispatcher  *dispatch.Dispatcher
	engine      *orchestrator.Engine
	server      *httpapi.Server
	logger      zerolog.Logger
}

func buildApp(ctx context.Context, cfg config.Config) (a *app, err error) {
	a = &app{logger: log.WithComponent("main")}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if a.registry, err = capability.LoadBuiltin(); err != nil {
		return nil, fmt.Errorf("load adapter descriptors: %w", err)
	}
	normalizer, err := normalize.New(a.registry)
	if err != nil {
		return nil, err
	}
	if a.store, err = store.Build(cfg.Storage.StoreDSN); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if a.events, err = queue.Build(cfg.Storage.EventQueueDSN, "events", cfg.Storage.EventQueueSize); err != nil {
		return nil, fmt.Errorf("open event queue: %w", err)
	}
	if a.tasks, err = queue.Build(cfg.Storage.TaskQueueDSN, "tasks", cfg.Storage.TaskQueueSize); err != nil {
		return nil, fmt.Errorf("open task queue: %w", err)
	}
	if cfg.Redis.Addr != "" {
		a.dedup, err = webhook.NewRedisDedup(ctx, webhook.RedisDedupConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.DedupTTL,
		}, log.WithComponent("webhook"))
		if err != nil {
			return nil, err
		}
	} else {
		a.dedup = webhook.NewMemoryDedup(cfg.Redis.DedupTTL)
	}

	if a.vault, err = credential.OpenKeyring(cfg.Vault); err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	a.limiter = ratelimit.New()
	a.credentials = credential.NewManager(a.vault, a.registry, a.store, credential.Options{
		Buffer: cfg.Engine.TokenBuffer,
		OnUnauthenticated: func(ctx context.Context, connectionID string, cause error) {
			if a.dispatcher == nil {
				return
			}
			if err := a.dispatcher.PauseConnection(ctx, connectionID, cause); err != nil {
				a.logger.Error().Err(err).Str(log.FieldConnectionID, connectionID).Msg("pause connection tasks")
			}
		},
	})

	runner := adapter.NewRunner(a.registry, a.credentials, a.limiter, adapter.Options{
		HTTPClient: &http.Client{Timeout: cfg.Engine.CallTimeout},
		UserAgent:  "disputesync/1",
		BaseDelay:  cfg.Engine.BaseBackoff,
		MaxDelay:   cfg.Engine.MaxBackoff,
	})
	ingestor := webhook.NewIngestor(a.registry, normalizer, a.store, a.credentials, a.events, webhook.Options{Dedup: a.dedup})

	a.dispatcher, err = dispatch.New(a.store, runner, a.credentials, a.registry, a.tasks, dispatch.Options{
		Workers:     cfg.Engine.TaskWorkers,
		MaxAttempts: cfg.Engine.MaxAttempts,
		BaseDelay:   cfg.Engine.BaseBackoff,
		MaxDelay:    cfg.Engine.MaxBackoff,
		NodeID:      cfg.Engine.NodeID,
	})
	if err != nil {
		return nil, err
	}
	machine, err := casefsm.New(a.store, casefsm.Options{NodeID: cfg.Engine.NodeID})
	if err != nil {
		return nil, err
	}
	a.engine, err = orchestrator.New(orchestrator.Deps{
		Store:       a.store,
		Registry:    a.registry,
		Machine:     machine,
		Scorer:      scoring.New(cfg.ScoringTables()),
		Dispatcher:  a.dispatcher,
		Ingestor:    ingestor,
		Reader:      runner,
		Credentials: a.credentials,
		Limits:      a.limiter,
		Events:      a.events,
	}, orchestrator.Options{
		EventWorkers:     cfg.Engine.EventWorkers,
		MaxEventAttempts: cfg.Engine.MaxEventAttempts,
		StaleAfter:       cfg.Engine.StaleAfter,
	})
	if err != nil {
		return nil, err
	}

	if err := a.seedConnections(ctx, cfg.Connections); err != nil {
		return nil, err
	}
	a.server = httpapi.NewServer(a.engine, ingestor, a.store, httpapi.ServerConfig{
		JWTSecret:        cfg.Server.JWTSecret,
		MaxBodyBytes:     cfg.Server.MaxBodyBytes,
		RateLimitMax:     cfg.Server.RateLimitMax,
		RateLimitWindow:  cfg.Server.RateLimitWindow,
		WebhookRateLimit: cfg.Server.WebhookRateLimit,
	})
	return a, nil
}

// seedConnections upserts the configured connections, installs their rate
// limits and stores secrets supplied through the environment.
func (a *app) seedConnections(ctx context.Context, conns []config.ConnectionConfig) error {
	for _, cc := range conns {
		desc, ok := a.registry.Descriptor(cc.AdapterKind)
		if !ok {
			return fmt.Errorf("connection %s: %w: %s", cc.ID, capability.ErrUnknownAdapter, cc.AdapterKind)
		}
		caps, err := a.registry.EffectiveCapabilities(cc.AdapterKind, cc.Capabilities)
		if err != nil {
			return err
		}
		policy := desc.RateLimit
		if cc.RateLimit != nil {
			policy = *cc.RateLimit
		}
		conn := canonical.Connection{
			ConnectionID:    cc.ID,
			AdapterKind:     cc.AdapterKind,
			BaseURL:         cc.BaseURL,
			PropertyID:      cc.PropertyID,
			PropertyCountry: cc.PropertyCountry,
			Capabilities:    caps,
			RateLimit:       policy,
			Status:          canonical.ConnectionActive,
		}
		if existing, err := a.store.GetConnection(ctx, cc.ID); err == nil {
			conn.Status = existing.Status
			conn.CreatedAt = existing.CreatedAt
		} else if !errors.Is(err, canonical.ErrNotFound) {
			return err
		}
		if err := a.store.PutConnection(ctx, conn); err != nil {
			return fmt.Errorf("store connection %s: %w", cc.ID, err)
		}
		a.limiter.Configure(cc.ID, policy)

		bundle := secretsFromEnv(cc.SecretsFromEnv)
		if len(bundle) > 0 {
			err := a.vault.Save(cc.ID, bundle)
			bundle.Wipe()
			if err != nil {
				return fmt.Errorf("store secrets for %s: %w", cc.ID, err)
			}
		}
		a.logger.Info().
			Str(log.FieldEvent, "connection.configured").
			Str(log.FieldConnectionID, cc.ID).
			Str(log.FieldAdapterKind, cc.AdapterKind).
			Int("per_minute", policy.PerMinute).
			Msg("connection configured")
	}
	return nil
}

func secretsFromEnv(refs map[string]string) canonical.SecretBundle {
	bundle := canonical.SecretBundle{}
	for key, envName := range refs {
		if value := strings.TrimSpace(os.Getenv(envName)); value != "" {
			bundle[key] = []byte(value)
		}
	}
	return bundle
}

// applyReload pushes reloaded rate limits and scoring tables into the
// running components. Connections dropped from the file keep their last
// policy until they are disconnected.
func (a *app) applyReload(prev, next config.Config) {
	before := prev.RateLimits()
	for connID, policy := range next.RateLimits() {
		if old, ok := before[connID]; ok && old == policy {
			continue
		}
		a.limiter.Configure(connID, policy)
		a.logger.Info().
			Str(log.FieldEvent, "ratelimit.reloaded").
			Str(log.FieldConnectionID, connID).
			Int("per_minute", policy.PerMinute).
			Int("burst", policy.Burst).
			Msg("rate limit policy updated")
	}
	a.engine.SetScorer(scoring.New(next.ScoringTables()))
}

func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if closer, ok := a.dedup.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	for _, q := range []queue.Queue{a.events, a.tasks} {
		if q != nil {
			_ = q.Close()
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
