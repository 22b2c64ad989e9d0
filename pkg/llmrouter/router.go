package llmrouter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/clock"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/kv"
)

// ErrUnavailable is returned when a stage has no profiles, or when every
// profile in its fallback list is over quota or fails with a transient
// error, matching §4.6/§7's llm_unavailable path. A non-transient provider
// error is returned on its own, without ErrUnavailable.
var ErrUnavailable = fmt.Errorf("llm_unavailable")

// Router routes stage1/stage2 calls across an ordered fallback list of
// profiles, enforcing daily quota and recording cost, generalizing the
// teacher's FallbackClient from a single chat endpoint to the two-stage
// contract of §4.6.
type Router struct {
	kv       *kv.Client
	clock    clock.Clock
	profiles map[Role][]boundProfile
}

type boundProfile struct {
	profile ModelProfile
	client  ProviderClient
}

// New builds an empty Router; AddProfile registers its profiles. Profiles
// for the same Role are tried in the order they were added, matching the
// fallback-list semantics of §4.6.
func New(kvc *kv.Client, c clock.Clock) *Router {
	return &Router{kv: kvc, clock: c, profiles: map[Role][]boundProfile{}}
}

// AddProfile registers profile, built via its provider's factory, at the
// end of its role's fallback list.
func (r *Router) AddProfile(profile ModelProfile, apiKey string) error {
	factory, ok := GetProviderFactory(profile.Provider)
	if !ok {
		return fmt.Errorf("no provider factory registered for %q", profile.Provider)
	}
	client, err := factory.Create(profile, apiKey)
	if err != nil {
		return fmt.Errorf("creating %s client for profile %s: %w", profile.Provider, profile.Name, err)
	}
	r.profiles[profile.Role] = append(r.profiles[profile.Role], boundProfile{profile: profile, client: client})
	return nil
}

const dailyQuotaTokens = 1_000_000 // fixed per provider/model/day ceiling; not read from configuration

// Stage1 runs the creative-draft stage across the stage1 fallback list.
func (r *Router) Stage1(ctx context.Context, persona, memoryContext, userText string) (string, domain.LLMCallRecord, error) {
	return r.run(ctx, RoleStage1, func(bp boundProfile) (string, Usage, error) {
		return bp.client.Stage1(ctx, persona, memoryContext, userText, bp.profile.Temperature)
	})
}

// Stage2 runs the refinement/safety-format stage across the stage2
// fallback list, with the stable prefix as its cache-shaped input.
func (r *Router) Stage2(ctx context.Context, stablePrefix, dynamicSuffix string) (string, domain.LLMCallRecord, error) {
	return r.run(ctx, RoleStage2, func(bp boundProfile) (string, Usage, error) {
		return bp.client.Stage2(ctx, stablePrefix, dynamicSuffix, bp.profile.Temperature)
	})
}

func (r *Router) run(ctx context.Context, role Role, call func(boundProfile) (string, Usage, error)) (string, domain.LLMCallRecord, error) {
	candidates := r.profiles[role]
	if len(candidates) == 0 {
		return "", domain.LLMCallRecord{}, fmt.Errorf("no profiles configured for role %s: %w", role, ErrUnavailable)
	}

	var lastErr error
	for _, bp := range candidates {
		ok, err := r.withinQuota(ctx, bp.profile)
		if err != nil {
			slog.Warn("llmrouter: quota check failed, proceeding optimistically", "error", err)
		} else if !ok {
			slog.Warn("llmrouter: profile over daily quota, falling back", "profile", bp.profile.Name)
			continue
		}

		start := r.clock.Now()
		text, usage, err := call(bp)
		usage.LatencyMS = r.clock.Now().Sub(start).Milliseconds()
		if err != nil {
			if bp.client.IsTransientError(err) {
				lastErr = err
				continue
			}
			return "", domain.LLMCallRecord{}, fmt.Errorf("llm call failed for profile %s: %w", bp.profile.Name, err)
		}

		r.recordQuota(ctx, bp.profile, usage)
		record := domain.LLMCallRecord{
			Provider:           bp.profile.Provider,
			Model:              bp.profile.Model,
			PromptTokens:       usage.PromptTokens,
			CompletionTokens:   usage.CompletionTokens,
			CachedPromptTokens: usage.CachedPromptTokens,
			CostUSD:            cost(bp.profile, usage),
			LatencyMS:          usage.LatencyMS,
		}
		return text, record, nil
	}

	if lastErr != nil {
		return "", domain.LLMCallRecord{}, fmt.Errorf("%w: all profiles exhausted, last error: %v", ErrUnavailable, lastErr)
	}
	return "", domain.LLMCallRecord{}, ErrUnavailable
}

func cost(p ModelProfile, u Usage) float64 {
	billablePrompt := u.PromptTokens - u.CachedPromptTokens
	if billablePrompt < 0 {
		billablePrompt = 0
	}
	return p.PriceIn*float64(billablePrompt) + p.PriceCachedIn*float64(u.CachedPromptTokens) + p.PriceOut*float64(u.CompletionTokens)
}

func (r *Router) withinQuota(ctx context.Context, p ModelProfile) (bool, error) {
	key := kv.Quota(p.Provider, p.Model, r.clock.Now())
	used, err := r.kv.Raw().Get(ctx, key).Int()
	if err != nil && err.Error() != "redis: nil" {
		return true, fmt.Errorf("reading quota counter: %w", err)
	}
	return used < dailyQuotaTokens, nil
}

func (r *Router) recordQuota(ctx context.Context, p ModelProfile, u Usage) {
	key := kv.Quota(p.Provider, p.Model, r.clock.Now())
	total := u.PromptTokens + u.CompletionTokens
	pipe := r.kv.Raw().TxPipeline()
	pipe.IncrBy(ctx, key, int64(total))
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("llmrouter: failed to record quota usage", "error", err)
	}
}
