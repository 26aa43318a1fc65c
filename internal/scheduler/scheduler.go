// Package scheduler publishes original posts at randomized intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xpersona/xpersona/internal/content"
	"github.com/xpersona/xpersona/internal/lifecycle"
	"github.com/xpersona/xpersona/internal/timing"
	"github.com/xpersona/xpersona/internal/xapi"
)

const (
	defaultMinimumInterval = 120 * time.Minute
	defaultMaximumInterval = 300 * time.Minute
	fallbackIntervalSpread = 120 * time.Minute
	defaultErrorCooldown   = 5 * time.Minute
	defaultThinkingMinimum = 5 * time.Second
	defaultThinkingMaximum = 15 * time.Second
	recentHintCount        = 5
	maxGenerationAttempts  = 3

	errMessageNoPoster    = "scheduler requires a poster"
	errMessageNoSource    = "scheduler requires a content source"
	errMessageGenerate    = "failed to generate post"
	errMessagePublish     = "failed to publish post"
	errMessageEmptyPost   = "content source returned empty text"
	logMessageStarted     = "post scheduler started"
	logMessageStopped     = "post scheduler stopped"
	logMessageNextPost    = "next post scheduled"
	logMessagePostFailed  = "scheduled post failed"
	logMessageCooldown    = "cooling down after failed post"
	logMessageBrowseError = "timeline browse failed, continuing"
	logMessageThinking    = "pausing before post"
	logMessageTooSimilar  = "generated post too similar to recent posts"
	logMessageHistory     = "failed to record post history"
	logMessageTrackerSave = "failed to register post with conversation tracker"
	logMessagePublished   = "published original post"
)

// Poster publishes posts and browses the timeline.
type Poster interface {
	CreatePost(ctx context.Context, text string, replyToID string) (xapi.PostResult, error)
	BrowseTimeline(ctx context.Context) error
}

// PostRecorder opens a conversation thread for a published original post.
type PostRecorder interface {
	RecordOriginalPost(postID string, text string, at time.Time) error
}

// Config wires a Scheduler. Zero durations select the defaults.
type Config struct {
	Username string
	Poster   Poster
	Source   content.Source
	History  *PostHistory
	Recorder PostRecorder
	// MinimumInterval and MaximumInterval bound the wait between posts. A maximum not above the
	// minimum is replaced by minimum plus two hours.
	MinimumInterval time.Duration
	MaximumInterval time.Duration
	ErrorCooldown   time.Duration
	SkipBrowse      bool
	// ThinkingMinimum and ThinkingMaximum bound the pause before posting. Negative disables it.
	ThinkingMinimum time.Duration
	ThinkingMaximum time.Duration
	// BeforeCycle runs before every post attempt made by the loop.
	BeforeCycle func()
	Random      *timing.Random
	Sleep       timing.SleepFunc
	Now         func() time.Time
	Logger      *zap.Logger
}

// Scheduler owns the posting loop.
type Scheduler struct {
	loop            lifecycle.Loop
	username        string
	poster          Poster
	source          content.Source
	history         *PostHistory
	recorder        PostRecorder
	minimumInterval time.Duration
	maximumInterval time.Duration
	errorCooldown   time.Duration
	skipBrowse      bool
	thinkingMinimum time.Duration
	thinkingMaximum time.Duration
	beforeCycle     func()
	random          *timing.Random
	sleep           timing.SleepFunc
	now             func() time.Time
	logger          *zap.Logger
}

// New constructs a Scheduler.
func New(config Config) (*Scheduler, error) {
	if config.Poster == nil {
		return nil, errors.New(errMessageNoPoster)
	}
	if config.Source == nil {
		return nil, errors.New(errMessageNoSource)
	}
	minimumInterval := config.MinimumInterval
	if minimumInterval <= 0 {
		minimumInterval = defaultMinimumInterval
	}
	maximumInterval := config.MaximumInterval
	if maximumInterval == 0 && config.MinimumInterval == 0 {
		maximumInterval = defaultMaximumInterval
	}
	errorCooldown := config.ErrorCooldown
	if errorCooldown == 0 {
		errorCooldown = defaultErrorCooldown
	}
	thinkingMinimum := config.ThinkingMinimum
	thinkingMaximum := config.ThinkingMaximum
	if thinkingMinimum == 0 && thinkingMaximum == 0 {
		thinkingMinimum = defaultThinkingMinimum
		thinkingMaximum = defaultThinkingMaximum
	}
	random := config.Random
	if random == nil {
		random = timing.NewRandom(0)
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
	return &Scheduler{
		username:        config.Username,
		poster:          config.Poster,
		source:          config.Source,
		history:         config.History,
		recorder:        config.Recorder,
		minimumInterval: minimumInterval,
		maximumInterval: maximumInterval,
		errorCooldown:   errorCooldown,
		skipBrowse:      config.SkipBrowse,
		thinkingMinimum: thinkingMinimum,
		thinkingMaximum: thinkingMaximum,
		beforeCycle:     config.BeforeCycle,
		random:          random,
		sleep:           sleep,
		now:             now,
		logger:          logger,
	}, nil
}

// Start launches the posting loop. A second call returns the running job and false.
func (scheduler *Scheduler) Start(ctx context.Context) (*lifecycle.Job, bool) {
	return scheduler.loop.Start(ctx, scheduler.run)
}

// Stop cancels the posting loop and reports whether it was running.
func (scheduler *Scheduler) Stop() bool {
	return scheduler.loop.Stop()
}

// Running reports whether the posting loop is active.
func (scheduler *Scheduler) Running() bool {
	return scheduler.loop.Running()
}

// NextInterval samples the wait before the next post.
func (scheduler *Scheduler) NextInterval() time.Duration {
	maximum := scheduler.maximumInterval
	if maximum <= scheduler.minimumInterval {
		maximum = scheduler.minimumInterval + fallbackIntervalSpread
	}
	return scheduler.random.Uniform(scheduler.minimumInterval, maximum)
}

func (scheduler *Scheduler) run(ctx context.Context) {
	scheduler.logger.Info(logMessageStarted, zap.String("username", scheduler.username))
	defer scheduler.logger.Info(logMessageStopped, zap.String("username", scheduler.username))

	scheduler.cycle(ctx)
	for ctx.Err() == nil {
		interval := scheduler.NextInterval()
		scheduler.logger.Info(logMessageNextPost,
			zap.Duration("in", interval),
			zap.Time("at", scheduler.now().Add(interval)),
		)
		if err := scheduler.sleep(ctx, interval); err != nil {
			return
		}
		if !scheduler.cycle(ctx) && ctx.Err() == nil {
			scheduler.logger.Info(logMessageCooldown, zap.Duration("cooldown", scheduler.errorCooldown))
			if err := scheduler.sleep(ctx, scheduler.errorCooldown); err != nil {
				return
			}
		}
	}
}

func (scheduler *Scheduler) cycle(ctx context.Context) bool {
	if scheduler.beforeCycle != nil {
		scheduler.beforeCycle()
	}
	if _, err := scheduler.PostOnce(ctx); err != nil {
		if ctx.Err() == nil {
			scheduler.logger.Error(logMessagePostFailed, zap.Error(err))
		}
		return false
	}
	return true
}

// PostOnce browses, pauses, generates and publishes a single original post.
func (scheduler *Scheduler) PostOnce(ctx context.Context) (xapi.PostResult, error) {
	if !scheduler.skipBrowse {
		if err := scheduler.poster.BrowseTimeline(ctx); err != nil {
			scheduler.logger.Warn(logMessageBrowseError, zap.Error(err))
		}
	}
	if scheduler.thinkingMinimum >= 0 && scheduler.thinkingMaximum > 0 {
		thinking := scheduler.random.Uniform(scheduler.thinkingMinimum, scheduler.thinkingMaximum)
		scheduler.logger.Debug(logMessageThinking, zap.Duration("delay", thinking))
		if err := scheduler.sleep(ctx, thinking); err != nil {
			return nil, err
		}
	}
	text, err := scheduler.compose(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageGenerate, err)
	}
	result, err := scheduler.poster.CreatePost(ctx, text, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessagePublish, err)
	}
	scheduler.logger.Info(logMessagePublished, zap.String("post_id", result.ReferenceID()))
	if scheduler.history != nil {
		if historyErr := scheduler.history.Add(text, result.ReferenceID()); historyErr != nil {
			scheduler.logger.Warn(logMessageHistory, zap.Error(historyErr))
		}
	}
	if posted, ok := result.(xapi.Posted); ok && scheduler.recorder != nil {
		if recordErr := scheduler.recorder.RecordOriginalPost(posted.ID, text, scheduler.now()); recordErr != nil {
			scheduler.logger.Warn(logMessageTrackerSave, zap.Error(recordErr))
		}
	}
	return result, nil
}

// compose asks the source for up to three candidates, keeping the last one even if it is too similar.
func (scheduler *Scheduler) compose(ctx context.Context) (string, error) {
	hints := content.PostHints{Username: scheduler.username}
	if scheduler.history != nil {
		hints.RecentPosts = scheduler.history.Recent(recentHintCount)
	}
	var text string
	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		hints.Attempt = attempt
		candidate, err := scheduler.source.OriginalPost(ctx, hints)
		if err != nil {
			return "", err
		}
		text = content.Truncate(candidate, content.MaxLength)
		if text == "" {
			return "", errors.New(errMessageEmptyPost)
		}
		if scheduler.history == nil || !scheduler.history.TooSimilar(text) {
			break
		}
		scheduler.logger.Info(logMessageTooSimilar, zap.Int("attempt", attempt+1))
	}
	return text, nil
}
