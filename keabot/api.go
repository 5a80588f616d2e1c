package keabot

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiHealthCheck          = "/healthz"
	apiMetrics              = "/metrics"
	apiPathLeaderboard      = "/servers/:server_id/leaderboard"
	apiPathUserScore        = "/servers/:server_id/users/:user_id/score"
	apiPathTags             = "/servers/:server_id/tags"
	apiPathRandomTaggedFile = "/servers/:server_id/tags/:tag/random"
)

const xRequestIDHeader = "X-Request-ID"

// API is the read-only HTTP API over the ledger and tag index.
// None of its handlers create ledger rows.
type API struct {
	config         *APIConfig
	httpServer     *http.Server
	listener       net.Listener
	engine         *gin.Engine
	requestLimiter *rate.Limiter
	logger         *slog.Logger

	handlers *APIHandlers
}

func newAPI(k *Keabot, config *APIConfig) (*API, error) {
	logger := slog.New(newLogHandler(k.logWriter, config.LogLevel)).With(loggerNameKey, "api")

	r := gin.New()
	api := &API{
		config:   config,
		engine:   r,
		logger:   logger,
		handlers: &APIHandlers{k: k},
	}
	if config.RequestsPerSecond > 0 {
		api.requestLimiter = rate.NewLimiter(
			rate.Limit(config.RequestsPerSecond),
			max(config.RequestBurst, 1),
		)
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" {
		var err error
		tlsCfg, err = tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
		} else {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(k.metrics),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.handlers.healthCheck)
	r.GET(apiMetrics, gin.WrapH(k.metrics.Handler()))

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(
		authMiddleware(config.Secret, logger),
		rateLimitMiddleware(api.requestLimiter),
	)
	protected.GET(apiPathLeaderboard, api.handlers.getLeaderboard)
	protected.GET(apiPathUserScore, api.handlers.getUserScore)
	protected.GET(apiPathTags, api.handlers.getTags)
	protected.GET(apiPathRandomTaggedFile, api.handlers.getRandomTaggedFile)

	return api, nil
}

// Listen opens the listener on the configured address, if it isn't
// already open.
func (a *API) Listen(ctx context.Context) error {
	if a.listener != nil {
		return nil
	}
	listenCfg := &net.ListenConfig{}
	network := a.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}
	ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	return nil
}

// Serve serves on the listener opened by Listen, opening it first if
// needed, until the server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if err := a.Listen(ctx); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "serving api", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// APIHandlers holds the API's request handlers.
type APIHandlers struct {
	k *Keabot
}

// store returns the bot's store, or replies with 503 and returns nil if
// the bot hasn't finished starting.
func (h *APIHandlers) store(c *gin.Context) *Store {
	s := h.k.Store()
	if s == nil {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			httpError{Error: "not ready"},
		)
		return nil
	}
	return s
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		Ready:  h.k.Store() != nil,
		Uptime: time.Since(h.k.startedAt).Round(time.Second).String(),
	}
	if h.k.discord != nil {
		resp.DiscordGatewayConnected = h.k.discord.connected.Load()
		resp.DiscordConnects = h.k.discord.metricConnects.Load()
		resp.DiscordDisconnects = h.k.discord.metricDisconnects.Load()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) getLeaderboard(c *gin.Context) {
	store := h.store(c)
	if store == nil {
		return
	}
	var q leaderboardQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	limit := DefaultLeaderboardSize
	if q.Limit != nil {
		limit = *q.Limit
	}

	serverID := c.Param("server_id")
	rows, err := store.Ledger.TopScores(c.Request.Context(), serverID, limit)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting leaderboard")
		return
	}

	resp := leaderboardResponse{
		ServerID: serverID,
		Scores:   make([]leaderboardEntry, 0, len(rows)),
	}
	for i, row := range rows {
		resp.Scores = append(
			resp.Scores,
			leaderboardEntry{
				Rank:   i + 1,
				UserID: row.UserID,
				Score:  row.Score,
				Given:  row.Given,
				Self:   row.Self,
			},
		)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) getUserScore(c *gin.Context) {
	store := h.store(c)
	if store == nil {
		return
	}
	row, err := store.Ledger.Lookup(c.Request.Context(), c.Param("server_id"), c.Param("user_id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "user not found"})
			return
		}
		_ = c.Error(err)
		ginReplyError(c, "error getting score")
		return
	}
	c.JSON(http.StatusOK, row)
}

func (h *APIHandlers) getTags(c *gin.Context) {
	store := h.store(c)
	if store == nil {
		return
	}
	serverID := c.Param("server_id")
	tags, err := store.Tags.ListTags(c.Request.Context(), serverID)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error listing tags")
		return
	}
	if tags == nil {
		tags = []string{}
	}
	c.JSON(http.StatusOK, tagsResponse{ServerID: serverID, Tags: tags})
}

func (h *APIHandlers) getRandomTaggedFile(c *gin.Context) {
	store := h.store(c)
	if store == nil {
		return
	}
	reference, found, err := store.Selector.PickRandom(
		c.Request.Context(),
		c.Param("server_id"),
		c.Param("tag"),
	)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error selecting media")
		return
	}
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "no media for tag"})
		return
	}
	path, err := store.Media.Resolve(reference)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "media file missing"})
			return
		}
		_ = c.Error(err)
		ginReplyError(c, "error resolving media")
		return
	}
	c.FileAttachment(path, reference)
}

type leaderboardQuery struct {
	// nil when the parameter is absent, so limit=0 is still validated
	Limit *int `form:"limit" binding:"omitempty,min=1,max=25"`
}

type leaderboardEntry struct {
	Rank   int    `json:"rank"`
	UserID string `json:"user_id"`
	Score  int64  `json:"score"`
	Given  int64  `json:"given"`
	Self   int64  `json:"self"`
}

type leaderboardResponse struct {
	ServerID string             `json:"server_id"`
	Scores   []leaderboardEntry `json:"scores"`
}

type tagsResponse struct {
	ServerID string   `json:"server_id"`
	Tags     []string `json:"tags"`
}

type healthCheckResponse struct {
	Ready                   bool   `json:"ready"`
	Uptime                  string `json:"uptime"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	DiscordConnects         int64  `json:"discord_connects"`
	DiscordDisconnects      int64  `json:"discord_disconnects"`
}

type httpError struct {
	Error string `json:"error"`
}

// authMiddleware requires `Authorization: Bearer <secret>` when a secret
// is configured.
func authMiddleware(secret string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			logger.Warn("unauthorized request", "path", c.Request.URL.Path, "remote_ip", c.RemoteIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, and sets it as a response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, along with
// any errors added to the gin context.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by method, route and status.
func metricMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.observeAPIRequest(c.Request.Method, route, c.Writer.Status())
	}
}

// ginReplyError sends a JSON response with the given error message, with
// HTTP status code 500.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
