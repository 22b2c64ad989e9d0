// Command core boots the full pipeline: the Telegram transport, every
// worker pool, the Review API, and the background sweeps, wired the way
// the teacher's main.go wires its gateway — a config-reload loop around a
// cancellable inner run.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/activity"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/clock"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/config"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/delivery"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/entity"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/kv"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/llmrouter"

	_ "github.com/RobeHGC/proyecto-nadia-sub002/pkg/llmrouter/providers/anthropic"
	_ "github.com/RobeHGC/proyecto-nadia-sub002/pkg/llmrouter/providers/gemini"
	_ "github.com/RobeHGC/proyecto-nadia-sub002/pkg/llmrouter/providers/ollama"
	_ "github.com/RobeHGC/proyecto-nadia-sub002/pkg/llmrouter/providers/openai"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/memory"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/monitor"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/quarantine"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/recovery"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/review"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/store"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/supervisor"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/transport"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/transport/telegram"
	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/wal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchFiles := []string{".env"}
	if cfg, sysCfg, err := config.Load(); err == nil {
		monitor.SetupEnvironment(sysCfg.LogLevel)
		watchFiles = append(watchFiles, cfg.PersonaPath)
	}

	reloadCh := config.WatchConfig(ctx, watchFiles...)

	for {
		err := runCore(ctx, reloadCh)
		if err != nil {
			slog.Error("core: run failed", "error", err)
			slog.Info("core: retrying in 5 seconds")
			select {
			case <-ctx.Done():
				return
			case <-reloadCh:
				slog.Info("core: configuration changed while waiting, retrying immediately")
			case <-time.After(5 * time.Second):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		default:
			slog.Info("core: configuration reloaded, restarting")
		}
	}
}

// runCore builds every component from a fresh configuration load and runs
// until ctx is cancelled or a configuration change is detected.
func runCore(ctx context.Context, reloadCh <-chan struct{}) error {
	cfg, sys, err := config.Load()
	if err != nil {
		monitor.PrintBanner()
		monitor.SetupSlog("info")
		return fmt.Errorf("loading configuration: %w", err)
	}
	monitor.SetupEnvironment(sys.LogLevel)

	persona, err := config.LoadPersona(cfg.PersonaPath)
	if err != nil {
		return fmt.Errorf("loading persona: %w", err)
	}

	clk, err := clock.New(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("loading timezone: %w", err)
	}

	kvc, err := kv.New(cfg.KVURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer kvc.Close()

	st, err := store.New(ctx, cfg.StoreURL)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer st.Close()

	tg, err := telegram.New(cfg.TransportBotToken)
	if err != nil {
		return fmt.Errorf("authenticating telegram transport: %w", err)
	}
	defer tg.Stop()

	router := llmrouter.New(kvc, clk)
	if err := addLLMProfiles(router, cfg.LLMProfile, cfg.LLMStage1Key, cfg.LLMStage2Key); err != nil {
		return fmt.Errorf("configuring llm router: %w", err)
	}

	w := wal.New(kvc)
	mem := memory.New(kvc, sys, clk)
	tracker := activity.New(kvc, w, sys, clk)

	quar := quarantine.New(st, tracker, kvc,
		clk,
		time.Duration(sys.QuarantineCacheTTLSec)*time.Second,
		time.Duration(sys.QuarantineTTLDays)*24*time.Hour,
	)
	tracker.SetQuarantine(quar, quar)

	entities := entity.New(tg, sys.EntityCacheMax, time.Duration(sys.EntityCacheTTLMin)*time.Minute)
	entities.Warmup(ctx, sys.EntityWarmupN)

	queue := review.NewQueue()
	if pending, err := st.ListPending(ctx, 10_000); err == nil {
		queue.WarmFrom(pending)
	} else {
		slog.Error("core: warming review queue failed", "error", err)
	}

	sup := supervisor.New(kvc, w, mem, router, sys, persona, clk.Location(), clk,
		quar, quar, quar, st, queue, "supervisor",
	)

	reviewSrv := review.New(st, queue, kvc, mem, quar, clk, cfg.ReviewAPIToken)

	deliver := delivery.New(kvc, tg, mem, st, st, entities, clk)

	recoveryOpts := recovery.Options{
		MaxAge:                time.Duration(sys.RecoveryMaxAgeH) * time.Hour,
		MaxPerUser:            sys.RecoveryMaxPerUser,
		MaxConcurrentUsers:    int64(sys.RecoveryMaxConcurrentUsers),
		TransportRPS:          float64(sys.TransportRateLimitPerSec),
		ConsecutiveErrorAbort: 5,
	}
	rec := recovery.New(st, quar, tg, tracker, clk, recoveryOpts)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := tracker.RecoverOnStart(runCtx); err != nil {
		slog.Error("core: activity tracker restart recovery failed", "error", err)
	}

	if err := tg.Subscribe(runCtx,
		func(m domain.InboundMessage) {
			if err := tracker.OnInbound(runCtx, m); err != nil {
				slog.Error("core: handling inbound message failed", "user_id", m.UserID, "error", err)
			}
		},
		func(ev transport.TypingEvent) {
			if err := tracker.OnTyping(runCtx, ev.UserID, ev.Typing); err != nil {
				slog.Error("core: handling typing event failed", "user_id", ev.UserID, "error", err)
			}
		},
	); err != nil {
		return fmt.Errorf("subscribing to transport: %w", err)
	}

	for i := 0; i < sys.NSupervisor; i++ {
		go sup.Run(runCtx)
	}
	for i := 0; i < sys.NDeliver; i++ {
		go deliver.Run(runCtx)
	}
	go tracker.RunDeadlineLoop(runCtx, time.Second)
	go quar.RunExpirySweep(runCtx, time.Hour)
	go reviewSrv.RunQuarantineFeed(runCtx)

	if err := rec.StartSchedule(runCtx, fmt.Sprintf("@every %dm", sys.RecoveryIntervalMin)); err != nil {
		return fmt.Errorf("scheduling recovery sweep: %w", err)
	}
	defer rec.Stop()

	httpSrv := &http.Server{
		Addr:    cfg.ReviewAPIBind,
		Handler: reviewSrv.Engine(),
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("core: review api server failed", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("core: shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return nil
	case <-reloadCh:
		slog.Info("core: configuration change detected")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		time.Sleep(time.Second) // let in-flight work drain before restart
		return nil
	}
}

// addLLMProfiles registers the single LLM_PROFILE value ("provider:model")
// for both pipeline stages, since §6.5 names one profile selection knob
// rather than a per-stage fallback list file.
func addLLMProfiles(router *llmrouter.Router, profile, stage1Key, stage2Key string) error {
	provider, model, err := splitProfile(profile)
	if err != nil {
		return err
	}

	if err := router.AddProfile(llmrouter.ModelProfile{
		Name: profile, Role: llmrouter.RoleStage1, Provider: provider, Model: model,
		Temperature: 0.9, MaxTokens: 1024,
	}, stage1Key); err != nil {
		return fmt.Errorf("registering stage1 profile: %w", err)
	}

	if err := router.AddProfile(llmrouter.ModelProfile{
		Name: profile, Role: llmrouter.RoleStage2, Provider: provider, Model: model,
		Temperature: 0.7, MaxTokens: 1024,
	}, stage2Key); err != nil {
		return fmt.Errorf("registering stage2 profile: %w", err)
	}
	return nil
}

func splitProfile(profile string) (providerName, model string, err error) {
	parts := strings.SplitN(profile, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("LLM_PROFILE %q must be in \"provider:model\" form", profile)
	}
	return parts[0], parts[1], nil
}
