// Package bot assembles one persona: its session, request queue, login engine, posting
// scheduler and mention poller.
package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xpersona/xpersona/internal/browser"
	"github.com/xpersona/xpersona/internal/config"
	"github.com/xpersona/xpersona/internal/content"
	"github.com/xpersona/xpersona/internal/conversation"
	"github.com/xpersona/xpersona/internal/filestore"
	"github.com/xpersona/xpersona/internal/identity"
	"github.com/xpersona/xpersona/internal/lifecycle"
	"github.com/xpersona/xpersona/internal/login"
	"github.com/xpersona/xpersona/internal/queue"
	"github.com/xpersona/xpersona/internal/scheduler"
	"github.com/xpersona/xpersona/internal/session"
	"github.com/xpersona/xpersona/internal/timing"
	"github.com/xpersona/xpersona/internal/xapi"
)

const (
	errMessageNotAuthenticated = "bot is not logged in"
	errMessageClosed           = "bot is closed"
	errMessageSession          = "failed to create session"
	errMessageContent          = "failed to load content"
	errMessageThreads          = "failed to open conversation store"
	errMessageProcessed        = "failed to open processed mention store"
	errMessageHistory          = "failed to open post history"
	errMessageTracker          = "failed to create conversation tracker"
	errMessageScheduler        = "failed to create scheduler"
	errMessageLogin            = "login failed"

	logMessageSeederUnavailable = "browser warm-up unavailable, continuing without it"
	logMessageLoggedIn          = "logged in"
	logMessageLoginFailed       = "login failed, bot stays idle"
	logMessageProfileRotated    = "identity profile rotated before cycle"
	logMessageClosed            = "bot closed"
)

var (
	// ErrNotAuthenticated is returned by operations that need a logged-in session.
	ErrNotAuthenticated = errors.New(errMessageNotAuthenticated)
	// ErrClosed is returned once Close has run.
	ErrClosed = errors.New(errMessageClosed)
)

// Dependencies replaces collaborators and ambient services. Zero values select the defaults.
type Dependencies struct {
	// Source overrides the content file and the built-in lines.
	Source content.Source
	// Seeder overrides the Chrome seeder selected by the browser-warmup setting.
	Seeder    browser.CookieSeeder
	Transport http.RoundTripper
	Pool      identity.Pool
	Random    *timing.Random
	Sleep     timing.SleepFunc
	Now       func() time.Time
	Logger    *zap.Logger
}

// Status is a point-in-time view of the bot.
type Status struct {
	Username          string      `json:"username"`
	Authenticated     bool        `json:"authenticated"`
	LoginError        string      `json:"login_error,omitempty"`
	SchedulerRunning  bool        `json:"scheduler_running"`
	MentionsRunning   bool        `json:"mentions_running"`
	Queue             queue.Stats `json:"queue"`
	Threads           int         `json:"threads"`
	ProcessedMentions int         `json:"processed_mentions"`
	LastSeenMentionID string      `json:"last_seen_mention_id,omitempty"`
}

// Bot owns every component serving one account.
type Bot struct {
	username  string
	session   *session.Session
	queue     *queue.Queue
	engine    *login.Engine
	client    *xapi.Client
	tracker   *conversation.Tracker
	scheduler *scheduler.Scheduler
	poller    *conversation.Poller
	logger    *zap.Logger

	rootContext context.Context
	cancelRoot  context.CancelFunc

	mutex      sync.Mutex
	loginError error
	closed     bool
}

// New wires a Bot from settings. The request queue starts immediately; the loops start on demand.
func New(settings config.Config, dependencies Dependencies) (*Bot, error) {
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("username", settings.Username))
	random := dependencies.Random
	if random == nil {
		random = timing.NewRandom(0)
	}
	now := dependencies.Now
	if now == nil {
		now = time.Now
	}

	platformSession, err := session.New(session.Config{
		APIBaseURL: settings.APIBaseURL,
		WebBaseURL: settings.WebBaseURL,
		ProxyURL:   settings.ProxyURL,
		Pool:       dependencies.Pool,
		Transport:  dependencies.Transport,
		Random:     random,
		Sleep:      dependencies.Sleep,
		Now:        now,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageSession, err)
	}
	platformSession.SetUsername(settings.Username)

	source := dependencies.Source
	if source == nil {
		source, err = loadSource(settings.ContentFile, random)
		if err != nil {
			return nil, err
		}
	}

	requestQueue := queue.New(queue.Config{
		RequestsPerMinute: settings.RequestsPerMinute,
		Random:            random,
		Sleep:             dependencies.Sleep,
		Logger:            logger,
	})

	engine := login.NewEngine(login.Config{
		Session: platformSession,
		Queue:   requestQueue,
		Cache:   login.NewCache(settings.CacheDir, 0, now),
		Credentials: login.Credentials{
			Username:        settings.Username,
			Password:        settings.Password,
			Email:           settings.Email,
			TwoFactorSecret: settings.TwoFactorSecret,
		},
		Seeder: selectSeeder(settings, dependencies.Seeder, logger),
		Random: random,
		Sleep:  dependencies.Sleep,
		Now:    now,
		Logger: logger,
	})

	client := xapi.New(xapi.Config{
		Session: platformSession,
		Queue:   requestQueue,
		Random:  random,
		Sleep:   dependencies.Sleep,
		Logger:  logger,
	})

	loader := filestore.Loader{Logger: logger, Now: now}
	threads, err := conversation.OpenThreadStore(settings.CacheDir, settings.Username, loader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageThreads, err)
	}
	processed, err := conversation.OpenProcessedStore(settings.CacheDir, settings.Username, loader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageProcessed, err)
	}
	tracker, err := conversation.NewTracker(conversation.TrackerConfig{
		Username:           settings.Username,
		Platform:           client,
		Source:             source,
		Threads:            threads,
		Processed:          processed,
		PageSize:           settings.MentionPageSize,
		SenderHistoryLimit: settings.SenderHistoryLimit,
		Now:                now,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageTracker, err)
	}

	history, err := scheduler.OpenPostHistory(settings.CacheDir, settings.Username, now, loader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageHistory, err)
	}

	bot := &Bot{
		username: settings.Username,
		session:  platformSession,
		queue:    requestQueue,
		engine:   engine,
		client:   client,
		tracker:  tracker,
		logger:   logger,
	}

	bot.scheduler, err = scheduler.New(scheduler.Config{
		Username:        settings.Username,
		Poster:          client,
		Source:          source,
		History:         history,
		Recorder:        tracker,
		MinimumInterval: settings.MinimumInterval(),
		MaximumInterval: settings.MaximumInterval(),
		BeforeCycle:     bot.rotateProfile,
		Random:          random,
		Sleep:           dependencies.Sleep,
		Now:             now,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageScheduler, err)
	}
	bot.poller = conversation.NewPoller(conversation.PollerConfig{
		Checker:     tracker,
		Interval:    settings.MentionInterval(),
		BeforeCycle: bot.rotateProfile,
		Sleep:       dependencies.Sleep,
		Now:         now,
		Logger:      logger,
	})

	bot.rootContext, bot.cancelRoot = context.WithCancel(context.Background())
	requestQueue.Start(bot.rootContext)
	return bot, nil
}

func loadSource(contentFile string, random *timing.Random) (content.Source, error) {
	if contentFile == "" {
		return content.NewDefault(random), nil
	}
	canned, err := content.LoadCanned(contentFile, random)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageContent, err)
	}
	return canned, nil
}

func selectSeeder(settings config.Config, override browser.CookieSeeder, logger *zap.Logger) browser.CookieSeeder {
	if override != nil {
		return override
	}
	if !settings.BrowserWarmup {
		return nil
	}
	seeder, err := browser.NewChromeSeeder(browser.ChromeSeederConfig{
		BinaryPath: settings.ChromePath,
		WarmupURL:  settings.WebBaseURL,
		Logger:     logger,
	})
	if err != nil {
		logger.Warn(logMessageSeederUnavailable, zap.Error(err))
		return nil
	}
	return seeder
}

func (bot *Bot) rotateProfile() {
	if bot.session.MaybeRotate() {
		bot.logger.Debug(logMessageProfileRotated)
	}
}

// Username returns the account this bot serves.
func (bot *Bot) Username() string {
	return bot.username
}

// Login authenticates the session, reusing a fresh cached session when one exists. A failure
// is kept for Status and leaves the bot idle.
func (bot *Bot) Login(ctx context.Context) error {
	if err := bot.guard(false); err != nil {
		return err
	}
	err := bot.engine.LoginWithRetry(ctx)
	bot.mutex.Lock()
	bot.loginError = err
	bot.mutex.Unlock()
	if err != nil {
		bot.logger.Error(logMessageLoginFailed, zap.Error(err))
		return fmt.Errorf("%s: %w", errMessageLogin, err)
	}
	bot.logger.Info(logMessageLoggedIn)
	return nil
}

// StartScheduler launches the posting loop. A running loop is returned with started false.
func (bot *Bot) StartScheduler() (*lifecycle.Job, bool, error) {
	if err := bot.guard(true); err != nil {
		return nil, false, err
	}
	job, started := bot.scheduler.Start(bot.rootContext)
	return job, started, nil
}

// StopScheduler cancels the posting loop and reports whether it was running.
func (bot *Bot) StopScheduler() bool {
	return bot.scheduler.Stop()
}

// StartMentions launches the mention poller. A running poller is returned with started false.
func (bot *Bot) StartMentions() (*lifecycle.Job, bool, error) {
	if err := bot.guard(true); err != nil {
		return nil, false, err
	}
	job, started := bot.poller.Start(bot.rootContext)
	return job, started, nil
}

// StopMentions cancels the mention poller and reports whether it was running.
func (bot *Bot) StopMentions() bool {
	return bot.poller.Stop()
}

// CheckMentionsOnce runs one mention cycle and returns the number of mentions answered.
func (bot *Bot) CheckMentionsOnce(ctx context.Context) (int, error) {
	if err := bot.guard(true); err != nil {
		return 0, err
	}
	return bot.tracker.CheckMentions(ctx)
}

// PostOnce publishes one original post outside the schedule.
func (bot *Bot) PostOnce(ctx context.Context) (xapi.PostResult, error) {
	if err := bot.guard(true); err != nil {
		return nil, err
	}
	return bot.scheduler.PostOnce(ctx)
}

// Status reports the loop flags, queue counters and stored conversation state.
func (bot *Bot) Status() Status {
	bot.mutex.Lock()
	loginError := bot.loginError
	bot.mutex.Unlock()
	status := Status{
		Username:          bot.username,
		Authenticated:     bot.session.Authenticated(),
		SchedulerRunning:  bot.scheduler.Running(),
		MentionsRunning:   bot.poller.Running(),
		Queue:             bot.queue.Stats(),
		Threads:           bot.tracker.Threads().Len(),
		ProcessedMentions: bot.tracker.Processed().Len(),
		LastSeenMentionID: bot.tracker.Processed().LastSeenID(),
	}
	if loginError != nil {
		status.LoginError = loginError.Error()
	}
	return status
}

// Close stops both loops and the request queue. Later calls do nothing.
func (bot *Bot) Close() {
	bot.mutex.Lock()
	if bot.closed {
		bot.mutex.Unlock()
		return
	}
	bot.closed = true
	bot.mutex.Unlock()

	bot.scheduler.Stop()
	bot.poller.Stop()
	bot.cancelRoot()
	bot.queue.Close()
	bot.logger.Info(logMessageClosed)
}

func (bot *Bot) guard(needsAuthentication bool) error {
	bot.mutex.Lock()
	closed := bot.closed
	bot.mutex.Unlock()
	if closed {
		return ErrClosed
	}
	if needsAuthentication && !bot.session.Authenticated() {
		return ErrNotAuthenticated
	}
	return nil
}
