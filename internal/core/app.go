// Package core wires plugd's components together and owns their lifecycle.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"plugd/internal/config"
	"plugd/internal/device"
	"plugd/internal/dispatch"
	"plugd/internal/schedule"
	"plugd/internal/server"
	"plugd/internal/storage"
	"plugd/internal/trigger"
	"plugd/pkg/logx"
)

// App is the process-scoped assembly: constructed once at startup, torn down
// at shutdown. Components are passed in explicitly, never reached globally.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store      *schedule.Store
	gateway    *device.HTTPGateway
	dispatcher *dispatch.Dispatcher
	engine     *trigger.Engine
	srv        *server.Server
	audit      storage.Store

	cancelBG context.CancelFunc
	bgWG     sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(cfg.Logging)
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	return &App{cfgMgr: mgr, logSvc: logSvc, log: log}, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	auditCfg := storage.Config{
		Enabled:       cfg.Audit.Enabled,
		Path:          cfg.Audit.Path,
		RetentionDays: cfg.Audit.RetentionDays,
	}
	auditCfg.BusyTimeout, _ = config.ParseDurationOrDefault("audit.busy_timeout", cfg.Audit.BusyTimeout, 5*time.Second)
	audit, err := storage.Open(auditCfg)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	a.audit = audit

	a.gateway = device.NewHTTPGateway(device.HTTPGatewayConfig{
		BaseURL:  cfg.Device.BaseURL,
		Username: cfg.Device.Username,
		Password: cfg.Device.Password,
		Timeout:  cfg.DeviceTimeout(),
	}, a.log.With(logx.String("comp", "device")))

	a.dispatcher = dispatch.New(a.gateway, dispatch.Config{
		Timeout: cfg.DeviceTimeout(),
	}, a.log.With(logx.String("comp", "dispatch")))
	a.dispatcher.SetAuditor(auditSink{store: audit})
	a.dispatcher.Start(ctx)

	a.store = schedule.NewStore(cfg.Schedules.File, a.log.With(logx.String("comp", "store")))
	a.engine = trigger.New(cfg.Location(), a.log.With(logx.String("comp", "trigger")))

	// Every firing funnels through the dispatcher; a device failure never
	// un-arms the rule or touches other schedules.
	dispatcher := a.dispatcher
	a.engine.OnFire(func(id string, action schedule.Action) {
		fireCtx := context.Background()
		var res dispatch.Result
		switch action {
		case schedule.ActionOn:
			res = dispatcher.TurnOn(fireCtx, dispatch.SourceSchedule)
		case schedule.ActionOff:
			res = dispatcher.TurnOff(fireCtx, dispatch.SourceSchedule)
		}
		if !res.Success {
			a.log.Warn("scheduled action failed",
				logx.String("id", id), logx.String("action", string(action)),
				logx.String("err", res.Error))
		}
	})

	// Seed the live timers from the store. A corrupt store is a startup
	// failure, not something to silently skip.
	rules, err := a.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	for _, r := range rules {
		if err := a.engine.Arm(r); err != nil {
			return fmt.Errorf("arm %s: %w", r.ID, err)
		}
	}
	a.engine.Start()
	a.log.Info("schedules loaded", logx.Int("count", len(rules)))

	api := server.NewAPI(a.store, a.engine, a.dispatcher, audit,
		cfg.Energy.MonthToDateOrDefault(), a.log.With(logx.String("comp", "api")))
	a.srv = server.New(api, a.log)
	if err := a.srv.Start(ctx, serverConfig(cfg)); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	bgCtx, cancel := context.WithCancel(ctx)
	a.cancelBG = cancel

	// Config hot reload: log sinks/level and API rate limits apply live;
	// device endpoint and schedule file changes need a restart.
	sub := a.cfgMgr.Subscribe(4)
	a.bgWG.Add(2)
	go func() {
		defer a.bgWG.Done()
		_ = a.cfgMgr.Watch(bgCtx)
	}()
	go func() {
		defer a.bgWG.Done()
		defer a.cfgMgr.Unsubscribe(sub)
		for {
			select {
			case <-bgCtx.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.logSvc.Apply(next.Logging)
				a.srv.Apply(serverConfig(next))
			}
		}
	}()

	notifySystemd(a.log, daemon.SdNotifyReady)
	a.startWatchdog(bgCtx)

	a.log.Info("plugd started", logx.String("addr", a.srv.Addr()))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	notifySystemd(a.log, daemon.SdNotifyStopping)

	if a.cancelBG != nil {
		a.cancelBG()
	}
	if a.srv != nil {
		a.srv.Stop(ctx)
	}
	if a.engine != nil {
		a.engine.Stop(ctx)
	}
	if a.dispatcher != nil {
		a.dispatcher.Stop(ctx)
	}
	a.bgWG.Wait()
	if a.gateway != nil {
		_ = a.gateway.Close()
	}
	if a.audit != nil {
		_ = a.audit.Close()
	}
	a.log.Info("plugd stopped")
	_ = a.logSvc.Close()
	return nil
}

// startWatchdog feeds systemd's watchdog when WatchdogSec is configured.
func (a *App) startWatchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
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
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
}

func notifySystemd(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

func serverConfig(cfg *config.Config) server.Config {
	read, _ := config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	write, _ := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	return server.Config{
		Addr:         cfg.HTTP.Addr,
		RatePerSec:   cfg.HTTP.RatePerSec,
		Burst:        cfg.HTTP.Burst,
		ReadTimeout:  read,
		WriteTimeout: write,
	}
}

// auditSink adapts the storage layer to the dispatcher's audit interface.
type auditSink struct {
	store storage.Store
}

func (s auditSink) Append(ctx context.Context, e dispatch.AuditEntry) error {
	return s.store.Append(ctx, storage.Entry{
		At:     e.At,
		Source: string(e.Source),
		Op:     e.Op,
		OK:     e.OK,
		Error:  e.Error,
		TookMS: e.Took.Milliseconds(),
	})
}
