package command

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/glimte/mmate-brokermonitor/deadletter"
	"github.com/glimte/mmate-brokermonitor/monitor"
)

// UserHeader carries the acting user
const UserHeader = "X-User"

// Browser reads dead-letter queues
type Browser interface {
	Browse(ctx context.Context, queue string, limit int) (*deadletter.Iterator, error)
	Examine(ctx context.Context, queue, id string) (*deadletter.Message, bool, error)
}

// SnapshotSource provides the current snapshot
type SnapshotSource interface {
	Snapshot() (*monitor.Snapshot, bool)
}

// Handler serves commands, snapshots and dead-letter browsing over HTTP
type Handler struct {
	dispatcher *Dispatcher
	snapshots  SnapshotSource
	browser    Browser
	logger     *zap.Logger
}

// NewHandler creates an HTTP handler
func NewHandler(dispatcher *Dispatcher, snapshots SnapshotSource, browser Browser, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{dispatcher: dispatcher, snapshots: snapshots, browser: browser, logger: logger}
}

// RegisterRoutes adds the API routes to router
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api")
	{
		api.POST("/commands", h.ExecuteCommand)
		api.GET("/snapshot", h.GetSnapshot)

		queues := api.Group("/queues/:queue")
		{
			queues.GET("/messages", h.BrowseMessages)
			queues.GET("/messages/:id", h.ExamineMessage)
		}
	}
}

// NewRouter builds a gin engine with the API, health and metrics routes
func NewRouter(h *Handler, health http.Handler, metrics http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(requestLogger(h.logger), gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		h.logger.Error("panic recovered",
			zap.Any("error", recovered),
			zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}))

	h.RegisterRoutes(router)
	if health != nil {
		router.GET("/health", gin.WrapH(health))
	}
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	return router
}

func (h *Handler) ExecuteCommand(c *gin.Context) {
	var cmd Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.dispatcher.Execute(c.Request.Context(), cmd, c.GetHeader(UserHeader))
	if err != nil {
		h.handleError(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetSnapshot(c *gin.Context) {
	s, ok := h.snapshots.Snapshot()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no snapshot yet"})
		return
	}

	body := gin.H{
		"lastUpdateLocal": s.LastUpdateLocal,
		"broker":          s.Broker,
		"fabric":          s.Fabric,
		"destinations":    len(s.Destinations),
	}
	if !s.LastUpdateBroker.IsZero() {
		body["lastUpdateBroker"] = s.LastUpdateBroker
	}
	if latency, ok := s.Latency(); ok {
		body["statsLatencyMillis"] = latency.Milliseconds()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) BrowseMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	it, err := h.browser.Browse(c.Request.Context(), c.Param("queue"), limit)
	if err != nil {
		h.handleError(c, err, nil)
		return
	}
	msgs, err := deadletter.Collect(it)
	if err != nil {
		h.handleError(c, err, nil)
		return
	}
	if msgs == nil {
		msgs = []*deadletter.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"queue": c.Param("queue"), "messages": msgs})
}

func (h *Handler) ExamineMessage(c *gin.Context) {
	msg, ok, err := h.browser.Examine(c.Request.Context(), c.Param("queue"), c.Param("id"))
	if err != nil {
		h.handleError(c, err, nil)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

// handleError writes err with its status. A partial result is included so
// callers see which messages were already handled.
func (h *Handler) handleError(c *gin.Context, err error, partial *Result) {
	status := http.StatusInternalServerError
	var ioErr *deadletter.BrokerIOError
	switch {
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, deadletter.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.As(err, &ioErr):
		status = http.StatusBadGateway
	case errors.Is(err, monitor.ErrNoForceUpdater):
		status = http.StatusServiceUnavailable
	}

	h.logger.Error("request error", zap.String("path", c.Request.URL.Path), zap.Int("status", status), zap.Error(err))
	body := gin.H{"resultOk": false, "error": err.Error()}
	if partial != nil {
		body["requestedMsgSysMsgIds"] = partial.RequestedMsgSysMsgIDs
		body["numberOfAffectedMessages"] = partial.NumberOfAffectedMessages
		body["affectedMessages"] = partial.AffectedMessages
		body["timeTakenMillis"] = partial.TimeTakenMillis
	}
	c.JSON(status, body)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("user", c.GetHeader(UserHeader)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("HTTP request", fields...)
		} else {
			logger.Debug("HTTP request", fields...)
		}
	}
}
