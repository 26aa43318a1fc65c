package conversation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xpersona/xpersona/internal/lifecycle"
	"github.com/xpersona/xpersona/internal/timing"
)

const (
	// DefaultPollInterval separates mention checks.
	DefaultPollInterval = 120 * time.Second

	logMessagePollerStarted = "mention poller started"
	logMessagePollerStopped = "mention poller stopped"
	logMessagePollFailed    = "mention check failed"
	logMessageNextCheck     = "next mention check scheduled"
)

// MentionChecker runs one mention cycle.
type MentionChecker interface {
	CheckMentions(ctx context.Context) (int, error)
}

// PollerConfig wires a Poller.
type PollerConfig struct {
	Checker  MentionChecker
	Interval time.Duration
	// BeforeCycle runs before every check.
	BeforeCycle func()
	Sleep       timing.SleepFunc
	Now         func() time.Time
	Logger      *zap.Logger
}

// Poller checks mentions on a fixed interval.
type Poller struct {
	loop        lifecycle.Loop
	checker     MentionChecker
	interval    time.Duration
	beforeCycle func()
	sleep       timing.SleepFunc
	now         func() time.Time
	logger      *zap.Logger
}

// NewPoller constructs a Poller.
func NewPoller(config PollerConfig) *Poller {
	interval := config.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	sleep := config.Sleep
	if sleep == nil {
		sleep = timing.Wait
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		checker:     config.Checker,
		interval:    interval,
		beforeCycle: config.BeforeCycle,
		sleep:       sleep,
		now:         now,
		logger:      logger,
	}
}

// Start launches the polling loop. A second call returns the running job and false.
func (poller *Poller) Start(ctx context.Context) (*lifecycle.Job, bool) {
	return poller.loop.Start(ctx, poller.run)
}

// Stop cancels the polling loop and reports whether it was running.
func (poller *Poller) Stop() bool {
	return poller.loop.Stop()
}

// Running reports whether the polling loop is active.
func (poller *Poller) Running() bool {
	return poller.loop.Running()
}

// Interval returns the wait between checks.
func (poller *Poller) Interval() time.Duration {
	return poller.interval
}

func (poller *Poller) run(ctx context.Context) {
	poller.logger.Info(logMessagePollerStarted, zap.Duration("interval", poller.interval))
	defer poller.logger.Info(logMessagePollerStopped)
	for ctx.Err() == nil {
		if poller.beforeCycle != nil {
			poller.beforeCycle()
		}
		handled, err := poller.checker.CheckMentions(ctx)
		if err != nil && ctx.Err() == nil {
			poller.logger.Error(logMessagePollFailed, zap.Error(err))
		}
		poller.logger.Info(logMessageNextCheck,
			zap.Int("handled", handled),
			zap.Time("at", poller.now().Add(poller.interval)),
		)
		if err := poller.sleep(ctx, poller.interval); err != nil {
			return
		}
	}
}
