package aiwarp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/platformatic/ai-warp-sub000/aierrors"
	"github.com/platformatic/ai-warp-sub000/internal/history"
	"github.com/platformatic/ai-warp-sub000/internal/ratelimit"
	"github.com/platformatic/ai-warp-sub000/internal/registry"
	"github.com/platformatic/ai-warp-sub000/provider"
	"github.com/platformatic/ai-warp-sub000/provider/gemini"
	"github.com/platformatic/ai-warp-sub000/provider/openai"
	"github.com/platformatic/ai-warp-sub000/store"
	"github.com/platformatic/ai-warp-sub000/store/memory"
	"github.com/platformatic/ai-warp-sub000/store/redisstore"
)

const deepSeekBaseURL = "https://api.deepseek.com/v1"

// modelConfig is a configured model with its limits resolved.
type modelConfig struct {
	provider string
	name     string
	settings registry.Settings
}

func (m modelConfig) key() string { return m.provider + ":" + m.name }

// Engine routes prompts to configured models with rate limiting, retries,
// fallback and session history. Create with New, then Init before use.
type Engine struct {
	logger  *zap.Logger
	limits  limitsConfig
	storage StorageOptions

	adapters map[string]provider.Adapter
	models   []modelConfig
	byKey    map[string]modelConfig
	byName   map[string]modelConfig

	store    store.Store
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	history  *history.History

	mu     sync.Mutex
	inited bool
	closed bool
}

// New validates opts and builds an Engine. The engine does not touch
// storage or providers until Init.
func New(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(opts.Providers) == 0 {
		return nil, aierrors.New(aierrors.CodeOption, "at least one provider is required")
	}
	if len(opts.Models) == 0 {
		return nil, aierrors.New(aierrors.CodeOption, "at least one model is required")
	}

	limits, err := resolveLimits(opts.Limits)
	if err != nil {
		return nil, err
	}
	restore, err := resolveRestore(opts.Restore)
	if err != nil {
		return nil, err
	}
	if limits.maxTokens == 0 {
		logger.Warn("maxTokens is not configured, provider defaults apply")
	}

	switch opts.Storage.Type {
	case "", StorageMemory, StorageRedis:
	default:
		return nil, aierrors.Newf(aierrors.CodeOption, "unknown storage type %q", opts.Storage.Type)
	}

	adapters := make(map[string]provider.Adapter, len(opts.Providers))
	for name, p := range opts.Providers {
		adapter, err := buildAdapter(name, p, logger)
		if err != nil {
			return nil, err
		}
		adapters[name] = adapter
	}

	e := &Engine{
		logger:   logger,
		limits:   limits,
		storage:  opts.Storage,
		adapters: adapters,
		byKey:    make(map[string]modelConfig, len(opts.Models)),
		byName:   make(map[string]modelConfig, len(opts.Models)),
	}

	for _, m := range opts.Models {
		if m.Provider == "" || m.Model == "" {
			return nil, aierrors.New(aierrors.CodeOption, "model entries need both provider and model")
		}
		if _, ok := adapters[m.Provider]; !ok {
			return nil, aierrors.Newf(aierrors.CodeOption, "model %s references unconfigured provider %s", m.Model, m.Provider)
		}
		cfg, err := resolveModel(m, limits, restore)
		if err != nil {
			return nil, err
		}
		if _, dup := e.byKey[cfg.key()]; dup {
			return nil, aierrors.Newf(aierrors.CodeOption, "duplicate model %s", cfg.key())
		}
		e.models = append(e.models, cfg)
		e.byKey[cfg.key()] = cfg
		if _, seen := e.byName[cfg.name]; !seen {
			e.byName[cfg.name] = cfg
		}
	}

	return e, nil
}

func buildAdapter(name string, p ProviderOptions, logger *zap.Logger) (provider.Adapter, error) {
	if p.Client != nil {
		return p.Client, nil
	}
	switch name {
	case ProviderOpenAI:
		return openai.New(openai.Config{APIKey: p.APIKey, BaseURL: p.BaseURL, Logger: logger}), nil
	case ProviderDeepSeek:
		baseURL := p.BaseURL
		if baseURL == "" {
			baseURL = deepSeekBaseURL
		}
		return openai.New(openai.Config{APIKey: p.APIKey, BaseURL: baseURL, Logger: logger}), nil
	case ProviderGemini:
		return gemini.New(gemini.Config{APIKey: p.APIKey, BaseURL: p.BaseURL, Logger: logger}), nil
	default:
		return nil, aierrors.Newf(aierrors.CodeOption, "provider %s has no built-in adapter and no client", name)
	}
}

func resolveModel(m ModelOptions, limits limitsConfig, restore restoreConfig) (modelConfig, error) {
	cfg := modelConfig{
		provider: m.Provider,
		name:     m.Model,
		settings: registry.Settings{
			MaxTokens:  limits.maxTokens,
			RateMax:    limits.rateMax,
			RateWindow: limits.rateWindow,
			Restore: registry.RestoreWindows{
				RateLimit:             restore.rateLimit,
				Retry:                 restore.retry,
				Timeout:               restore.timeout,
				ProviderCommunication: restore.providerCommunication,
				ProviderExceeded:      restore.providerExceeded,
			},
		},
	}
	if m.Limits != nil {
		if m.Limits.MaxTokens < 0 {
			return cfg, aierrors.Newf(aierrors.CodeOption, "model %s: maxTokens must not be negative", m.Model)
		}
		if m.Limits.MaxTokens > 0 {
			cfg.settings.MaxTokens = m.Limits.MaxTokens
		}
		if m.Limits.Rate != nil {
			if m.Limits.Rate.Max < 0 {
				return cfg, aierrors.Newf(aierrors.CodeOption, "model %s: rate.max must not be negative", m.Model)
			}
			if m.Limits.Rate.Max > 0 {
				cfg.settings.RateMax = m.Limits.Rate.Max
			}
			w, err := windowOrDefault(m.Limits.Rate.TimeWindow, cfg.settings.RateWindow)
			if err != nil {
				return cfg, optionErr(fmt.Sprintf("model %s rate.timeWindow", m.Model), err)
			}
			cfg.settings.RateWindow = w
		}
	}
	if m.Restore != nil {
		r := cfg.settings.Restore
		var err error
		if r.RateLimit, err = windowOrDefault(m.Restore.RateLimit, r.RateLimit); err != nil {
			return cfg, optionErr(fmt.Sprintf("model %s restore.rateLimit", m.Model), err)
		}
		if r.Retry, err = windowOrDefault(m.Restore.Retry, r.Retry); err != nil {
			return cfg, optionErr(fmt.Sprintf("model %s restore.retry", m.Model), err)
		}
		if r.Timeout, err = windowOrDefault(m.Restore.Timeout, r.Timeout); err != nil {
			return cfg, optionErr(fmt.Sprintf("model %s restore.timeout", m.Model), err)
		}
		if r.ProviderCommunication, err = windowOrDefault(m.Restore.ProviderCommunicationError, r.ProviderCommunication); err != nil {
			return cfg, optionErr(fmt.Sprintf("model %s restore.providerCommunicationError", m.Model), err)
		}
		if r.ProviderExceeded, err = windowOrDefault(m.Restore.ProviderExceededError, r.ProviderExceeded); err != nil {
			return cfg, optionErr(fmt.Sprintf("model %s restore.providerExceededError", m.Model), err)
		}
		cfg.settings.Restore = r
	}
	return cfg, nil
}

// Init connects storage, seeds model state and initializes the provider
// adapters. Safe to call once.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.inited {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	var st store.Store
	switch e.storage.Type {
	case "", StorageMemory:
		st = memory.New(e.logger)
	case StorageRedis:
		rs, err := redisstore.New(ctx, e.storage.Redis, e.logger)
		if err != nil {
			return err
		}
		st = rs
	}

	reg := registry.New(st, e.logger)
	for _, m := range e.models {
		if err := reg.Init(ctx, m.provider, m.name, m.settings); err != nil {
			st.Close()
			return err
		}
	}

	for name, adapter := range e.adapters {
		if err := adapter.Init(ctx); err != nil {
			st.Close()
			return fmt.Errorf("failed to initialize provider %s: %w", name, err)
		}
	}

	e.mu.Lock()
	e.store = st
	e.registry = reg
	e.limiter = ratelimit.New(reg, e.logger)
	e.history = history.New(st, e.limits.historyExpiration, e.logger)
	e.inited = true
	e.mu.Unlock()
	return nil
}

// Close releases the storage connection and the provider adapters.
// In-flight streams fail once their backing subscriptions close.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	st := e.store
	e.mu.Unlock()

	for _, adapter := range e.adapters {
		adapter.Close()
	}
	if st != nil {
		return st.Close()
	}
	return nil
}

func (e *Engine) ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return aierrors.New(aierrors.CodeOption, "engine is closed")
	}
	if !e.inited {
		return aierrors.New(aierrors.CodeOption, "engine is not initialized")
	}
	return nil
}

// SetClock overrides the time source of the registry and rate limiter.
// Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.registry.SetClock(now)
	e.limiter.SetClock(now)
}
