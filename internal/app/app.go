// Package app wires configuration, logging, the governor, the PDS client
// and the scheduler into one runnable service.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"skybot/internal/bot"
	"skybot/internal/bsky"
	"skybot/internal/config"
	"skybot/internal/metrics"
	"skybot/internal/ratelimit"
	"skybot/internal/scheduler"
	"skybot/internal/storage"
	logx "skybot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	gov     *ratelimit.Governor
	client  *bsky.Client
	content *bot.Content
	exec    *bot.Executor
	store   storage.Store

	sched *scheduler.Service
	mtr   *metrics.Service

	pruneEnabled bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	govCfg, err := governorConfig(cfg)
	if err != nil {
		return nil, err
	}
	gov := ratelimit.New(govCfg)
	gov.SetMetrics(ratelimit.NewMetrics())

	timeout, err := config.ParseDurationOrDefault("service.timeout", cfg.Service.Timeout, 0)
	if err != nil {
		return nil, err
	}
	client, err := bsky.New(bsky.Config{
		Host:       cfg.Service.Host,
		Identifier: cfg.Service.Identifier,
		Password:   cfg.Service.Password,
		Timeout:    timeout,
	}, log.With(logx.String("comp", "bsky")))
	if err != nil {
		return nil, err
	}

	var store storage.Store
	if cfg.Storage != nil {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
		if err != nil {
			return nil, err
		}
		store, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	content := bot.NewContent()
	if cfg.Content != nil {
		content.Apply(cfg.Content.Greetings, cfg.Content.Emojis, cfg.Content.Replies, cfg.Content.Langs)
	}

	execCfg, err := executorConfig(cfg)
	if err != nil {
		return nil, err
	}
	exec := bot.NewExecutor(execCfg, gov, client, content, store, log.With(logx.String("comp", "bot")))

	sched := scheduler.New(scheduler.Config{
		Timezone: cfg.Schedule.Timezone,
	}, log.With(logx.String("comp", "scheduler")))

	mtrCfg := metrics.Config{}
	if cfg.Metrics != nil {
		mtrCfg = metrics.Config{Enabled: cfg.Metrics.Enabled, Addr: cfg.Metrics.Addr}
	}
	mtr := metrics.New(mtrCfg, log.With(logx.String("comp", "metrics")))
	mtr.SetJobHistory(sched.History)

	return &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		logs:         logSvc,
		log:          log,
		gov:          gov,
		client:       client,
		content:      content,
		exec:         exec,
		store:        store,
		sched:        sched,
		mtr:          mtr,
		pruneEnabled: execCfg.PruneAfter > 0,
	}, nil
}

func governorConfig(cfg *config.Config) (ratelimit.Config, error) {
	costs := map[ratelimit.Action]int{}
	for k, v := range cfg.RateLimit.Costs {
		costs[ratelimit.Action(strings.ToLower(strings.TrimSpace(k)))] = v
	}
	out := ratelimit.Config{
		HourlyCeiling: cfg.RateLimit.HourlyCeiling,
		DailyCeiling:  cfg.RateLimit.DailyCeiling,
		Costs:         costs,
	}
	if err := out.Validate(); err != nil {
		return ratelimit.Config{}, err
	}
	return out, nil
}

func executorConfig(cfg *config.Config) (bot.Config, error) {
	pacing, err := config.ParseDurationOrDefault("schedule.reply_pacing", cfg.Schedule.ReplyPacing, 0)
	if err != nil {
		return bot.Config{}, err
	}
	cooldown, err := config.ParseDurationOrDefault("schedule.cooldown", cfg.Schedule.Cooldown, 0)
	if err != nil {
		return bot.Config{}, err
	}
	pruneAfter, err := config.ParseDurationOrDefault("schedule.prune_after", cfg.Schedule.PruneAfter, 0)
	if err != nil {
		return bot.Config{}, err
	}
	return bot.Config{
		ReplyPacing: pacing,
		Cooldown:    cooldown,
		PruneAfter:  pruneAfter,
	}, nil
}

// validate rejects a config before it is committed during hot reload.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := governorConfig(cfg); err != nil {
		return err
	}
	if _, err := executorConfig(cfg); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("service.timeout", cfg.Service.Timeout, 0); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Schedule.Post) != "" {
		if _, err := scheduler.ParseSchedule(cfg.Schedule.Post); err != nil {
			return fmt.Errorf("schedule.post: %w", err)
		}
	}
	if strings.TrimSpace(cfg.Schedule.Mentions) != "" {
		if _, err := scheduler.ParseSchedule(cfg.Schedule.Mentions); err != nil {
			return fmt.Errorf("schedule.mentions: %w", err)
		}
	}
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetValidator(a.validate)

	if err := a.client.Login(runCtx); err != nil {
		cancel()
		return fmt.Errorf("login: %w", err)
	}
	a.log.Info("logged in",
		logx.String("handle", a.client.Handle()),
		logx.String("did", a.client.Did()),
	)

	a.sched.Start(runCtx)

	cfg := a.cfgm.Get()
	if spec := strings.TrimSpace(cfg.Schedule.Post); spec != "" {
		if _, err := a.sched.AddSpec("post", spec, time.Minute, a.exec.PostGreeting); err != nil {
			a.stopOnStartError(runCtx)
			return err
		}
	}
	if spec := strings.TrimSpace(cfg.Schedule.Mentions); spec != "" {
		if _, err := a.sched.AddSpec("mentions", spec, 5*time.Minute, a.exec.ReplyMentions); err != nil {
			a.stopOnStartError(runCtx)
			return err
		}
	}
	if a.pruneEnabled {
		if _, err := a.sched.AddCron("prune", "@daily", 10*time.Minute, a.exec.PruneOldPosts); err != nil {
			a.stopOnStartError(runCtx)
			return err
		}
	}

	a.mtr.Start()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch exited", logx.Err(err))
		}
	}()

	a.notifySystemd(runCtx)

	a.log.Info("app started")
	return nil
}

func (a *App) stopOnStartError(ctx context.Context) {
	a.sched.Stop(ctx)
	if a.cancel != nil {
		a.cancel()
	}
}

// reloadLoop applies committed config changes to the live components.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts, keep only the newest.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyConfig(ctx, cfg)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// The validator already accepted this config; a failure here means the
	// governor and the validator disagree, which is worth a warning.
	if govCfg, err := governorConfig(cfg); err == nil {
		if err := a.gov.Apply(govCfg); err != nil {
			a.log.Warn("governor rejected config", logx.Err(err))
		}
	}

	if cfg.Content != nil {
		a.content.Apply(cfg.Content.Greetings, cfg.Content.Emojis, cfg.Content.Replies, cfg.Content.Langs)
	} else {
		a.content.Apply(nil, nil, nil, nil)
	}

	mtrCfg := metrics.Config{}
	if cfg.Metrics != nil {
		mtrCfg = metrics.Config{Enabled: cfg.Metrics.Enabled, Addr: cfg.Metrics.Addr}
	}
	a.mtr.Reconfigure(ctx, mtrCfg)

	hourly, daily := a.gov.Remaining()
	a.log.Info("config applied",
		logx.Int("hourly_remaining", hourly),
		logx.Int("daily_remaining", daily),
	)
}

// notifySystemd reports readiness and keeps the watchdog fed when running
// under systemd. Both calls are no-ops outside of it.
func (a *App) notifySystemd(ctx context.Context) {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	if a.cancel != nil {
		a.cancel()
	}
	a.sched.Stop(ctx)
	a.mtr.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("stop deadline reached before background loops exited")
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	a.logs.Close()
	a.log.Info("stopped")
	return nil
}
