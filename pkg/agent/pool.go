package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultCooldown = time.Minute

// PoolConfig configures a provider Pool.
type PoolConfig struct {
	Profiles []AuthProfile
	Factory  ProviderCreator
	// Cooldown is multiplied by a profile's consecutive failures.
	Cooldown time.Duration
	Logger   zerolog.Logger
}

type profileState struct {
	profile       AuthProfile
	provider      LLMProvider
	failures      int
	cooldownUntil time.Time
}

// Pool is an LLMProvider that fails over across auth profiles in priority
// order. A failing profile is put in cooldown for Cooldown × failures.
type Pool struct {
	mu       sync.Mutex
	profiles []*profileState
	factory  ProviderCreator
	cooldown time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewPool creates a failover pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if cfg.Factory == nil {
		cfg.Factory = &ProviderFactory{}
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}

	profiles := make([]*profileState, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		profiles = append(profiles, &profileState{profile: p})
	}
	sortProfilesByPriority(profiles)

	return &Pool{
		profiles: profiles,
		factory:  cfg.Factory,
		cooldown: cfg.Cooldown,
		logger:   cfg.Logger.With().Str("component", "provider_pool").Logger(),
		now:      time.Now,
	}, nil
}

// Provider returns the provider name of the highest priority profile.
func (p *Pool) Provider() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profiles[0].profile.Provider
}

// Call tries each available profile until one succeeds.
func (p *Pool) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	return p.do(ctx, func(provider LLMProvider) (*LLMResponse, bool, error) {
		resp, err := provider.Call(ctx, request)
		return resp, false, err
	})
}

// Stream tries each available profile until one succeeds. Once a profile has
// delivered a delta the pool no longer fails over, since the text is out.
func (p *Pool) Stream(ctx context.Context, request LLMRequest, onDelta func(string)) (*LLMResponse, error) {
	return p.do(ctx, func(provider LLMProvider) (*LLMResponse, bool, error) {
		delivered := false
		resp, err := provider.Stream(ctx, request, func(delta string) {
			delivered = true
			if onDelta != nil {
				onDelta(delta)
			}
		})
		return resp, delivered, err
	})
}

func (p *Pool) do(ctx context.Context, call func(LLMProvider) (*LLMResponse, bool, error)) (*LLMResponse, error) {
	var lastErr error
	for _, st := range p.candidates() {
		provider, err := p.providerFor(ctx, st)
		if err != nil {
			p.logger.Warn().Str("profile_id", st.profile.ID).Err(err).Msg("Failed to create provider")
			lastErr = err
			continue
		}

		resp, delivered, err := call(provider)
		if err == nil {
			p.markSuccess(st)
			return resp, nil
		}
		err = NewProviderError(provider.Provider(), err)
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}

		p.markFailure(st)
		p.logger.Warn().Str("profile_id", st.profile.ID).Err(err).Msg("Auth profile failed")
		if delivered || !IsRetryableError(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = &ProviderError{Provider: "pool", Err: errors.New("all auth profiles are in cooldown"), Retryable: true}
	}
	return nil, lastErr
}

func (p *Pool) candidates() []*profileState {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := make([]*profileState, 0, len(p.profiles))
	for _, st := range p.profiles {
		if now.Before(st.cooldownUntil) {
			p.logger.Debug().Str("profile_id", st.profile.ID).Msg("Skipping profile in cooldown")
			continue
		}
		out = append(out, st)
	}
	return out
}

func (p *Pool) providerFor(ctx context.Context, st *profileState) (LLMProvider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st.provider != nil {
		return st.provider, nil
	}
	provider, err := p.factory.NewProvider(ctx, st.profile)
	if err != nil {
		return nil, err
	}
	st.provider = provider
	return provider, nil
}

func (p *Pool) markSuccess(st *profileState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st.failures = 0
	st.cooldownUntil = time.Time{}
}

func (p *Pool) markFailure(st *profileState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st.failures++
	st.cooldownUntil = p.now().Add(p.cooldown * time.Duration(st.failures))
}

// sortProfilesByPriority sorts profiles by priority (lower = higher priority)
func sortProfilesByPriority(profiles []*profileState) {
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].profile.Priority < profiles[j].profile.Priority
	})
}
