package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xpersona/xpersona/internal/bot"
	"github.com/xpersona/xpersona/internal/config"
	"github.com/xpersona/xpersona/internal/lifecycle"
	"github.com/xpersona/xpersona/internal/server"
	"github.com/xpersona/xpersona/internal/xapi"
)

const (
	shutdownTimeout = 10 * time.Second

	errMessageLoggerCreate   = "create logger"
	errMessageRuntimeCreate  = "create bot"
	errMessageRouterCreate   = "create control router"
	errMessageListenAndServe = "listen and serve"
	errMessageStartLoop      = "start loop"
	errMessageNoAddress      = "serve requires --control-address"

	logMessageStartingServer = "starting control server"
	logMessageServerStopped  = "control server stopped"
	logMessageShuttingDown   = "shutting down"
	logMessageLoopsStarted   = "scheduler and mention poller started"
	logFieldAddress          = "address"

	postedMessageFormat   = "posted %s\n"
	placeholderFormat     = "posted without a platform id, recorded as %s\n"
	handledMessageFormat  = "answered %d mentions\n"
	loggedInMessageFormat = "logged in as %s\n"
)

// ErrMissingControlAddress is returned by Serve when no listen address is configured.
var ErrMissingControlAddress = errors.New(errMessageNoAddress)

// Runtime is the bot surface the commands drive.
type Runtime interface {
	server.Controller
	Login(ctx context.Context) error
	PostOnce(ctx context.Context) (xapi.PostResult, error)
	Close()
}

// Dependencies replaces the runtime, logger and output used by the commands.
type Dependencies struct {
	NewRuntime func(settings config.Config, logger *zap.Logger) (Runtime, error)
	NewLogger  func(debug bool) (*zap.Logger, error)
	Stdout     io.Writer
}

// Application runs the commands against a Runtime.
type Application struct {
	dependencies Dependencies
}

// NewApplication builds an Application over the real bot runtime.
func NewApplication() Application {
	return NewApplicationWithDependencies(Dependencies{})
}

// NewApplicationWithDependencies fills missing dependencies with the defaults.
func NewApplicationWithDependencies(dependencies Dependencies) Application {
	if dependencies.NewRuntime == nil {
		dependencies.NewRuntime = defaultNewRuntime
	}
	if dependencies.NewLogger == nil {
		dependencies.NewLogger = defaultNewLogger
	}
	if dependencies.Stdout == nil {
		dependencies.Stdout = os.Stdout
	}
	return Application{dependencies: dependencies}
}

func defaultNewRuntime(settings config.Config, logger *zap.Logger) (Runtime, error) {
	runtime, err := bot.New(settings, bot.Dependencies{Logger: logger})
	if err != nil {
		return nil, err
	}
	return runtime, nil
}

func defaultNewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// prepared pairs a logged-in runtime with its logger.
type prepared struct {
	runtime Runtime
	logger  *zap.Logger
}

func (application Application) prepare(ctx context.Context, settings config.Config) (prepared, func(), error) {
	if err := settings.Validate(); err != nil {
		return prepared{}, nil, err
	}
	logger, err := application.dependencies.NewLogger(settings.Debug)
	if err != nil {
		return prepared{}, nil, fmt.Errorf("%s: %w", errMessageLoggerCreate, err)
	}
	runtime, err := application.dependencies.NewRuntime(settings, logger)
	if err != nil {
		_ = logger.Sync()
		return prepared{}, nil, fmt.Errorf("%s: %w", errMessageRuntimeCreate, err)
	}
	cleanup := func() {
		runtime.Close()
		_ = logger.Sync()
	}
	if err := runtime.Login(ctx); err != nil {
		cleanup()
		return prepared{}, nil, err
	}
	return prepared{runtime: runtime, logger: logger}, cleanup, nil
}

// Login authenticates once and reports the account.
func (application Application) Login(ctx context.Context, settings config.Config) error {
	ready, cleanup, err := application.prepare(ctx, settings)
	if err != nil {
		return err
	}
	defer cleanup()
	fmt.Fprintf(application.dependencies.Stdout, loggedInMessageFormat, ready.runtime.Status().Username)
	return nil
}

// Post publishes one original post.
func (application Application) Post(ctx context.Context, settings config.Config) error {
	ready, cleanup, err := application.prepare(ctx, settings)
	if err != nil {
		return err
	}
	defer cleanup()
	result, err := ready.runtime.PostOnce(ctx)
	if err != nil {
		return err
	}
	switch posted := result.(type) {
	case xapi.Posted:
		fmt.Fprintf(application.dependencies.Stdout, postedMessageFormat, posted.ID)
	case xapi.PostedUnknownID:
		fmt.Fprintf(application.dependencies.Stdout, placeholderFormat, posted.Fallback)
	}
	return nil
}

// CheckMentions answers new mentions once.
func (application Application) CheckMentions(ctx context.Context, settings config.Config) error {
	ready, cleanup, err := application.prepare(ctx, settings)
	if err != nil {
		return err
	}
	defer cleanup()
	handled, err := ready.runtime.CheckMentionsOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(application.dependencies.Stdout, handledMessageFormat, handled)
	return nil
}

// Serve exposes the control routes without starting the loops.
func (application Application) Serve(ctx context.Context, settings config.Config) error {
	if settings.ControlAddress == "" {
		return ErrMissingControlAddress
	}
	ready, cleanup, err := application.prepare(ctx, settings)
	if err != nil {
		return err
	}
	defer cleanup()
	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		return serveControl(groupContext, settings.ControlAddress, ready)
	})
	return group.Wait()
}

// Run starts both loops and, when an address is configured, the control server. It returns
// once ctx is cancelled and every loop has stopped.
func (application Application) Run(ctx context.Context, settings config.Config) error {
	ready, cleanup, err := application.prepare(ctx, settings)
	if err != nil {
		return err
	}
	defer cleanup()

	schedulerJob, _, err := ready.runtime.StartScheduler()
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageStartLoop, err)
	}
	mentionsJob, _, err := ready.runtime.StartMentions()
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageStartLoop, err)
	}
	ready.logger.Info(logMessageLoopsStarted)

	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-groupContext.Done()
		ready.logger.Info(logMessageShuttingDown)
		ready.runtime.Close()
		waitForJob(schedulerJob)
		waitForJob(mentionsJob)
		return nil
	})
	if settings.ControlAddress != "" {
		group.Go(func() error {
			return serveControl(groupContext, settings.ControlAddress, ready)
		})
	}
	return group.Wait()
}

func waitForJob(job *lifecycle.Job) {
	if job != nil {
		<-job.Done()
	}
}

func serveControl(ctx context.Context, address string, ready prepared) error {
	router, err := server.NewRouter(server.RouterConfig{Controller: ready.runtime, Logger: ready.logger})
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageRouterCreate, err)
	}
	httpServer := &http.Server{Addr: address, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownContext)
	}()

	ready.logger.Info(logMessageStartingServer, zap.String(logFieldAddress, address))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", errMessageListenAndServe, err)
	}
	ready.logger.Info(logMessageServerStopped)
	return nil
}
