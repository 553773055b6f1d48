package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pigeon/internal/alerts"
	"pigeon/internal/api"
	"pigeon/internal/audit"
	"pigeon/internal/channel"
	"pigeon/internal/dedup"
	"pigeon/internal/digest"
	"pigeon/internal/dispatch"
	"pigeon/internal/eventbus"
	"pigeon/internal/filter"
	"pigeon/internal/metrics"
	"pigeon/internal/observability/pprof"
	"pigeon/internal/orchestrator"
	"pigeon/internal/prefs"
	"pigeon/internal/queue"
	"pigeon/internal/ratelimit"
	"pigeon/internal/storage"
	logx "pigeon/pkg/logx"
	sdnotify "pigeon/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	promReg *prometheus.Registry
	met     *metrics.Metrics

	alertSink *alerts.Sender

	hub      *channel.Hub
	gateway  *channel.Gateway
	socket   *channel.Socket
	relay    *channel.Relay
	registry *channel.Registry

	limiter  *ratelimit.Limiter
	filt     *filter.Filter
	resolver *prefs.Resolver
	window   *dedup.Window
	rec      *audit.Recorder
	disp     *dispatch.Dispatcher

	orch   *orchestrator.Service
	queue  *queue.Service
	digest *digest.Service

	api   *api.Service
	pprof *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	// The alert sink exists even when unconfigured so hot reload can
	// bring it up later without swapping pointers under a running
	// log service.
	acfg, alertsOn := mapAlertsConfig(cfg)
	alertSink := alerts.New(acfg, log.With(logx.String("comp", "alerts")))
	if alertsOn {
		logSvc.SetAlertSender(alertSink)
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	promReg := prometheus.NewRegistry()
	met := metrics.New(promReg)

	// Channel adapters. The hub owns websocket connections; the socket
	// adapter is just its delivery front.
	hub := channel.NewHub(log.With(logx.String("comp", "hub")), met)

	gwCfg, err := mapGatewayConfig(cfg)
	if err != nil {
		return nil, err
	}
	gateway := channel.NewGateway(gwCfg, log.With(logx.String("comp", "push")))
	socket := channel.NewSocket(mapSocketConfig(cfg), hub)
	rlCfg, err := mapRelayConfig(cfg)
	if err != nil {
		return nil, err
	}
	relay := channel.NewRelay(rlCfg, log.With(logx.String("comp", "relay")))

	registry := channel.NewRegistry()
	registry.Register(gateway)
	registry.Register(socket)
	registry.Register(relay)
	order, err := mapChannelPriority(cfg)
	if err != nil {
		return nil, err
	}
	registry.SetOrder(order)

	// Pipeline stages.
	limit, window, err := mapRateLimitConfig(cfg)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(limit, window)
	filt := filter.New(mapFilterConfig(cfg))

	pcfg, err := mapPrefsConfig(cfg)
	if err != nil {
		return nil, err
	}
	resolver := prefs.New(pcfg, store, log.With(logx.String("comp", "prefs")))

	dw, err := mapDedupWindow(cfg)
	if err != nil {
		return nil, err
	}
	dedupWin := dedup.New(dw)

	rec := audit.New(store, bus, met, log.With(logx.String("comp", "audit")))

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, registry, limiter, rec, met, log.With(logx.String("comp", "dispatch")))

	ocfg, err := mapPipelineConfig(cfg)
	if err != nil {
		return nil, err
	}
	orch := orchestrator.New(ocfg, filt, resolver, dedupWin, disp, rec, bus, met,
		log.With(logx.String("comp", "pipeline")))

	qcfg, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	queueSvc := queue.New(qcfg, store, orch.RedeliverQueued, rec, bus, met,
		log.With(logx.String("comp", "queue")))

	dgcfg, err := mapDigestConfig(cfg)
	if err != nil {
		return nil, err
	}
	digestSvc := digest.New(dgcfg, store, orch.Submit, rec, bus, met,
		log.With(logx.String("comp", "digest")))

	// The orchestrator defers through the queue and digest once bound;
	// until then deferral degrades to immediate delivery.
	orch.Bind(queueSvc, digestSvc)

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	apiSvc := api.New(apiCfg, orch, rec, resolver, registry, hub, promReg, met,
		log.With(logx.String("comp", "api")))

	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(ppc, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		promReg:   promReg,
		met:       met,
		alertSink: alertSink,
		hub:       hub,
		gateway:   gateway,
		socket:    socket,
		relay:     relay,
		registry:  registry,
		limiter:   limiter,
		filt:      filt,
		resolver:  resolver,
		window:    dedupWin,
		rec:       rec,
		disp:      disp,
		orch:      orch,
		queue:     queueSvc,
		digest:    digestSvc,
		api:       apiSvc,
		pprof:     pprofSvc,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// APIAddr reports the bound API listener address, empty until the
// listener is up. Useful when the config asked for port 0.
func (a *App) APIAddr() string { return a.api.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
			// The map helpers carry all section validation; a config
			// that maps cleanly is a config the reload loop can apply.
			if _, err := mapStorageConfig(cfg); err != nil {
				return err
			}
			if _, err := mapPipelineConfig(cfg); err != nil {
				return err
			}
			if _, err := mapDispatchConfig(cfg); err != nil {
				return err
			}
			if _, _, err := mapRateLimitConfig(cfg); err != nil {
				return err
			}
			if _, err := mapPrefsConfig(cfg); err != nil {
				return err
			}
			if _, err := mapDedupWindow(cfg); err != nil {
				return err
			}
			if _, err := mapQueueConfig(cfg); err != nil {
				return err
			}
			if _, err := mapDigestConfig(cfg); err != nil {
				return err
			}
			if _, err := mapChannelPriority(cfg); err != nil {
				return err
			}
			if _, err := mapGatewayConfig(cfg); err != nil {
				return err
			}
			if _, err := mapRelayConfig(cfg); err != nil {
				return err
			}
			if _, err := mapAPIConfig(cfg); err != nil {
				return err
			}
			if _, err := mapPprofConfig(cfg); err != nil {
				return err
			}
			return nil
		})
	}

	// Pipeline before the API so the server never accepts work with no
	// workers behind it.
	a.orch.Start(a.sup.Context())
	a.queue.Start(a.sup.Context())
	a.digest.Start(a.sup.Context())
	a.api.Start(a.sup.Context())
	a.pprof.Start(a.sup.Context())

	// No-op unless a target is configured. A bad token disables the
	// sink, never the daemon.
	_ = a.alertSink.Start(a.sup.Context())

	// Optional: log events for observability/debug (components can also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Keep this debug-level to avoid noise on busy pipelines.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logx.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				for _, s := range sections {
					if s == "storage" {
						a.log.Warn("storage config changed; restart required for changes to take effect")
						break
					}
				}

				a.applyConfig(c, newCfg)

				// Keep the final log line concise and human-friendly (details are in debug logs).
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// systemd integration; both calls are no-ops outside a unit.
	if ok, err := sdnotify.NotifyReady(); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify: ready")
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := sdnotify.RunWatchdog(c); err != nil {
			a.log.Warn("watchdog loop ended", logx.Err(err))
		}
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into every running subsystem.
// Every Apply here is idempotent, so sections that did not change are
// cheap to re-apply and the section diff stays a logging concern.
func (a *App) applyConfig(c context.Context, cfg *Config) {
	a.logs.Apply(mapLoggingConfig(cfg))

	if acfg, ok := mapAlertsConfig(cfg); ok {
		a.alertSink.Apply(acfg)
		_ = a.alertSink.Start(c)
		a.logs.SetAlertSender(a.alertSink)
	} else {
		a.logs.SetAlertSender(nil)
		_ = a.alertSink.Stop(c)
	}

	// The validator vetted this config before commit, so map errors
	// here are unreachable in practice; keep the previous section
	// config and warn rather than crash on the day that stops holding.
	if ocfg, err := mapPipelineConfig(cfg); err != nil {
		a.log.Warn("invalid pipeline config; keeping previous", logx.Err(err))
	} else {
		a.orch.Apply(ocfg)
	}
	if dcfg, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("invalid retry config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
	}
	if limit, window, err := mapRateLimitConfig(cfg); err != nil {
		a.log.Warn("invalid rate_limit config; keeping previous", logx.Err(err))
	} else {
		a.limiter.Apply(limit, window)
	}
	a.filt.Apply(mapFilterConfig(cfg))
	if pcfg, err := mapPrefsConfig(cfg); err != nil {
		a.log.Warn("invalid preferences config; keeping previous", logx.Err(err))
	} else {
		a.resolver.Apply(pcfg)
	}
	if dw, err := mapDedupWindow(cfg); err != nil {
		a.log.Warn("invalid dedup config; keeping previous", logx.Err(err))
	} else {
		a.window.Apply(dw)
	}
	if qcfg, err := mapQueueConfig(cfg); err != nil {
		a.log.Warn("invalid offline_queue config; keeping previous", logx.Err(err))
	} else {
		a.queue.Apply(qcfg)
	}
	if dgcfg, err := mapDigestConfig(cfg); err != nil {
		a.log.Warn("invalid digest config; keeping previous", logx.Err(err))
	} else {
		a.digest.Apply(dgcfg)
	}

	if gwCfg, err := mapGatewayConfig(cfg); err != nil {
		a.log.Warn("invalid push channel config; keeping previous", logx.Err(err))
	} else {
		a.gateway.Apply(gwCfg)
	}
	a.socket.Apply(mapSocketConfig(cfg))
	if rlCfg, err := mapRelayConfig(cfg); err != nil {
		a.log.Warn("invalid relay channel config; keeping previous", logx.Err(err))
	} else {
		a.relay.Apply(rlCfg)
	}
	if order, err := mapChannelPriority(cfg); err != nil {
		a.log.Warn("invalid channel priority; keeping previous", logx.Err(err))
	} else {
		a.registry.SetOrder(order)
	}

	if apiCfg, err := mapAPIConfig(cfg); err != nil {
		a.log.Warn("invalid api config; keeping previous", logx.Err(err))
	} else {
		a.api.Reconfigure(c, apiCfg)
	}
	if ppc, err := mapPprofConfig(cfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(c, ppc)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = sdnotify.NotifyStopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Intake first so nothing new enters the pipeline while it drains.
	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })

	// The orchestrator parks undrained work in the offline queue, so it
	// must stop while storage is still open.
	step("orchestrator", 5*time.Second, func(c context.Context) error { a.orch.Stop(c); return nil })
	step("queue", 2*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("digest", 2*time.Second, func(c context.Context) error { a.digest.Stop(c); return nil })
	step("sockets", 1*time.Second, func(c context.Context) error { a.hub.CloseAll(); return nil })
	step("alerts", 1*time.Second, func(c context.Context) error { return a.alertSink.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, watchdog, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
