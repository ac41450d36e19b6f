package engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"alarm-trader/internal/alarms"
	"alarm-trader/internal/broker"
	"alarm-trader/internal/config"
	"alarm-trader/internal/dispatch"
	"alarm-trader/internal/health"
	"alarm-trader/internal/indicators"
	"alarm-trader/internal/marketdata"
	"alarm-trader/internal/notify"
	"alarm-trader/internal/portfolio"
	"alarm-trader/internal/refresh"
	"alarm-trader/internal/security"
	"alarm-trader/internal/store"
	"alarm-trader/internal/trace"
)

const (
	// DefaultHeartbeat is how often the control loop checks and logs engine health.
	DefaultHeartbeat = time.Hour
	// staleCycleAfter marks the alarm loop unhealthy when no cycle completes within it.
	staleCycleAfter = 2 * time.Hour
)

// Loop is a named long-running task.
type Loop struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervise runs loops until all return. The first error cancels the
// others and is returned.
func Supervise(ctx context.Context, logger zerolog.Logger, loops ...Loop) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range loops {
		l := l
		g.Go(func() error {
			if err := l.Run(ctx); err != nil {
				logger.Error().Err(err).Str("loop", l.Name).Msg("Loop failed")
				return fmt.Errorf("%s loop: %w", l.Name, err)
			}
			logger.Info().Str("loop", l.Name).Msg("Loop stopped")
			return nil
		})
	}
	return g.Wait()
}

// Engine owns every component of a running trader.
type Engine struct {
	cfg    *config.Config
	paper  bool
	logger zerolog.Logger

	store      *store.SQLiteStore
	client     *marketdata.Client
	gateway    *broker.Gateway
	notifier   notify.Notifier
	dispatcher *dispatch.Dispatcher
	tracer     *trace.Provider
	traceLog   *lumberjack.Logger
	health     *health.Monitor

	alarms    *AlarmLoop
	portfolio *portfolio.Reconciler
	control   *ControlLoop
}

// Option configures New.
type Option func(*options)

type options struct {
	runner  broker.Runner
	version string
	audit   *security.AuditLog
}

// WithRunner replaces the process runner used for the broker gateway.
func WithRunner(r broker.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithAuditLog records broker orders and cancellations in a. The engine
// does not close it.
func WithAuditLog(a *security.AuditLog) Option {
	return func(o *options) { o.audit = a }
}

// WithVersion sets the version reported on trace spans.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New wires an engine from cfg. Nothing runs until Run is called.
func New(cfg *config.Config, paper bool, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	o := options{runner: broker.ExecRunner{}, version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{cfg: cfg, paper: paper, logger: logger}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	if cfg.Tracing.Enabled {
		e.traceLog = &lumberjack.Logger{Filename: cfg.Tracing.FilePath, MaxSize: 50, MaxBackups: 3}
	}
	tp, err := trace.Setup(cfg.Tracing.Enabled, cfg.Tracing.ServiceName, o.version, e.traceLog)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	e.tracer = tp

	known, err := config.LoadIndicators(cfg.Intake.IndicatorsPath)
	if err != nil {
		return nil, err
	}

	e.store, err = store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	e.notifier = notify.New(cfg.Notifications, logger)

	e.client, err = marketdata.NewClient(cfg.Provider, cfg.Credentials.Provider.APIKeys, logger)
	if err != nil {
		return nil, fmt.Errorf("creating provider client: %w", err)
	}

	e.gateway, err = broker.NewGateway(cfg.Broker, paper, o.runner, logger,
		broker.WithPortfolioStore(e.store),
		broker.WithNotifier(e.notifier, cfg.Portfolio.MaxIssueWarnings),
		broker.WithAuditLog(o.audit),
	)
	if err != nil {
		return nil, fmt.Errorf("creating broker gateway: %w", err)
	}

	intake, err := alarms.NewIntake(cfg.Intake.AlarmsPath)
	if err != nil {
		return nil, fmt.Errorf("opening alarm intake: %w", err)
	}
	lifecycle := alarms.NewLifecycle(intake, e.store, known, e.notifier, logger)

	scheduler := refresh.NewScheduler(e.client, e.store, intake, e.notifier, logger,
		refresh.WithAvailability(e.client.Availability()),
		refresh.WithIndicators(indicators.NewTracker(e.store, known, logger)))
	evaluator := alarms.NewEvaluator(e.store, known, logger)
	e.dispatcher = dispatch.NewDispatcher(e.gateway, e.store, lifecycle, known, e.notifier, logger)

	e.alarms = NewAlarmLoop(AlarmLoopConfig{
		Lifecycle:       lifecycle,
		Refresher:       scheduler,
		Evaluator:       evaluator,
		Dispatcher:      e.dispatcher,
		Gate:            e.client.Availability(),
		Indicators:      known,
		Notifier:        e.notifier,
		IdleSleep:       cfg.Scheduler.IdleSleep,
		UnavailablePoll: cfg.Scheduler.UnavailablePoll,
	}, logger)

	e.portfolio = portfolio.NewReconciler(e.gateway, e.store, e.notifier, logger, cfg.Portfolio.PollInterval)

	e.health = health.NewMonitor(health.DefaultConfig())
	e.health.Register("store", health.DatabaseCheck(e.store.Ping))
	e.health.Register("provider", health.ProviderCheck(e.client.Availability().Available))
	e.health.Register("alarm_cycle", health.CycleCheck(e.alarms.LastCycle, e.health.StartTime(), staleCycleAfter))

	var replayer Replayer
	if q, isQueue := e.notifier.(*notify.QueueNotifier); isQueue {
		replayer = q
		e.health.Register("notifications", health.QueueCheck(q.Pending))
	}
	e.control = NewControlLoop(replayer, cfg.Notifications.ReplayInterval, DefaultHeartbeat, e.heartbeat, logger)

	ok = true
	return e, nil
}

// Run starts the three loops and blocks until a signal arrives or a loop
// fails.
func (e *Engine) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.gateway.ClearSnapshots(); err != nil {
		return fmt.Errorf("clearing gateway snapshots: %w", err)
	}

	mode := "paper"
	if !e.paper {
		mode = "live"
	}
	e.logger.Info().Str("mode", mode).Msg("Engine starting")

	return Supervise(ctx, e.logger,
		Loop{Name: "alarms", Run: e.alarms.Run},
		Loop{Name: "portfolio", Run: e.portfolio.Run},
		Loop{Name: "control", Run: e.control.Run},
	)
}

func (e *Engine) heartbeat(ctx context.Context, logger zerolog.Logger) {
	report, transitions := e.health.Run(ctx)

	event := logger.Info().
		Str("health", string(report.Status)).
		Uint64("cycles", e.alarms.Cycles()).
		Int("pending_retries", e.dispatcher.Retries().Len())
	if last := e.alarms.LastCycle(); !last.IsZero() {
		event = event.Time("last_cycle", last)
	}
	for _, c := range report.Components {
		if c.Status != health.StatusHealthy {
			event = event.Str(c.Name, c.Message)
		}
	}
	event.Msg("Heartbeat")

	for _, t := range transitions {
		msg := fmt.Sprintf("%s is unhealthy: %s", t.Component.Name, t.Component.Message)
		if t.Recovered() {
			msg = fmt.Sprintf("%s recovered: %s", t.Component.Name, t.Component.Message)
		}
		notify.Alert(ctx, e.notifier, logger, msg)
	}
}

// Close releases every resource New acquired.
func (e *Engine) Close() error {
	var err error
	if e.gateway != nil {
		err = multierr.Append(err, e.gateway.Close())
	}
	if e.client != nil {
		e.client.Availability().Stop()
	}
	if e.store != nil {
		err = multierr.Append(err, e.store.Close())
	}
	if e.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, e.tracer.Shutdown(ctx))
		cancel()
	}
	if e.traceLog != nil {
		err = multierr.Append(err, e.traceLog.Close())
	}
	return err
}
