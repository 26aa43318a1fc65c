package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xpersona/xpersona/internal/bot"
	"github.com/xpersona/xpersona/internal/lifecycle"
)

const (
	healthRoutePath         = "/healthz"
	statusRoutePath         = "/status"
	schedulerStartRoutePath = "/scheduler/start"
	schedulerStopRoutePath  = "/scheduler/stop"
	mentionsStartRoutePath  = "/mentions/start"
	mentionsStopRoutePath   = "/mentions/stop"
	mentionsCheckRoutePath  = "/mentions/check"

	healthStatusKey    = "status"
	healthStatusOK     = "ok"
	responseKeyRunning = "running"
	responseKeyAlready = "already_running"
	responseKeyHandled = "handled"
	responseKeyError   = "error"
	loopNameScheduler  = "scheduler"
	loopNameMentions   = "mentions"
	errorMessageNotRun = "not running"
	ginModeRelease     = "release"

	logMessageLoopStarted  = "loop started from control server"
	logMessageLoopStopped  = "loop stopped from control server"
	logMessageStartFailed  = "loop start refused"
	logMessageCheckFailed  = "manual mention check failed"
	logMessageCheckHandled = "manual mention check finished"
)

// Controller is the bot surface exposed over HTTP.
type Controller interface {
	Status() bot.Status
	StartScheduler() (*lifecycle.Job, bool, error)
	StopScheduler() bool
	StartMentions() (*lifecycle.Job, bool, error)
	StopMentions() bool
	CheckMentionsOnce(ctx context.Context) (int, error)
}

// RouterConfig configures the control routes.
type RouterConfig struct {
	Controller Controller
	Logger     *zap.Logger
}

// ErrMissingController is returned when no controller is configured.
var ErrMissingController = errors.New("control server requires a controller")

// NewRouter constructs a Gin engine serving the health, status and loop control handlers.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	if configuration.Controller == nil {
		return nil, ErrMissingController
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := controlHandler{controller: configuration.Controller, logger: logger}

	engine.GET(healthRoutePath, handler.healthStatus)
	engine.GET(statusRoutePath, handler.status)
	engine.POST(schedulerStartRoutePath, handler.start(loopNameScheduler, handler.controller.StartScheduler))
	engine.POST(schedulerStopRoutePath, handler.stop(loopNameScheduler, handler.controller.StopScheduler))
	engine.POST(mentionsStartRoutePath, handler.start(loopNameMentions, handler.controller.StartMentions))
	engine.POST(mentionsStopRoutePath, handler.stop(loopNameMentions, handler.controller.StopMentions))
	engine.POST(mentionsCheckRoutePath, handler.checkMentions)

	return engine, nil
}

type controlHandler struct {
	controller Controller
	logger     *zap.Logger
}

func (handler controlHandler) healthStatus(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, map[string]string{healthStatusKey: healthStatusOK})
}

func (handler controlHandler) status(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, handler.controller.Status())
}

func (handler controlHandler) start(loop string, startLoop func() (*lifecycle.Job, bool, error)) gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		_, started, err := startLoop()
		if err != nil {
			handler.logger.Warn(logMessageStartFailed, zap.String("loop", loop), zap.Error(err))
			ginContext.JSON(failureStatus(err), gin.H{responseKeyError: err.Error()})
			return
		}
		if started {
			handler.logger.Info(logMessageLoopStarted, zap.String("loop", loop))
		}
		ginContext.JSON(http.StatusOK, gin.H{responseKeyRunning: true, responseKeyAlready: !started})
	}
}

func (handler controlHandler) stop(loop string, stopLoop func() bool) gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		if !stopLoop() {
			ginContext.JSON(http.StatusConflict, gin.H{responseKeyError: loop + " " + errorMessageNotRun})
			return
		}
		handler.logger.Info(logMessageLoopStopped, zap.String("loop", loop))
		ginContext.JSON(http.StatusOK, gin.H{responseKeyRunning: false})
	}
}

func (handler controlHandler) checkMentions(ginContext *gin.Context) {
	handled, err := handler.controller.CheckMentionsOnce(ginContext.Request.Context())
	if err != nil {
		handler.logger.Error(logMessageCheckFailed, zap.Error(err))
		ginContext.JSON(failureStatus(err), gin.H{responseKeyError: err.Error(), responseKeyHandled: handled})
		return
	}
	handler.logger.Info(logMessageCheckHandled, zap.Int("handled", handled))
	ginContext.JSON(http.StatusOK, gin.H{responseKeyHandled: handled})
}

func failureStatus(err error) int {
	switch {
	case errors.Is(err, bot.ErrNotAuthenticated):
		return http.StatusPreconditionFailed
	case errors.Is(err, bot.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
