package discordbot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathLoggedIn         = "/logged_in"
	apiHealthCheck          = "/healthz"
	apiPathMetrics          = "/metrics"
	apiPathConfig           = "/config"
	apiPathReload           = "/reload"
	apiPathQuit             = "/quit"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathRequests         = "/requests"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"

	defaultRequestsLimit = 50
)

// API is the admin HTTP server.
type API struct {
	bot                 *Bot
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		bot:                 b,
		config:              config,
		engine:              r,
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "api"),
	}
	api.store = newSessionStore(config, api.logger)
	r.Use(sessions.Sessions(sessionVarName, api.store))

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
		corsConfig.AllowAllOrigins = config.Development
		corsConfig.AllowCredentials = corsConfig.AllowCredentials && !config.Development
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(b.metrics),
	)
	if len(corsConfig.AllowOrigins) > 0 || corsConfig.AllowAllOrigins {
		r.Use(cors.New(corsConfig))
	}

	r.GET(apiHealthCheck, api.healthCheck)
	r.POST(apiPathLogin, api.loginHandler)
	r.POST(apiPathLogout, api.logoutHandler)
	r.GET(apiPathMetrics, gin.WrapH(promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{})))

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(api.authMiddleware())
	protected.GET(apiPathLoggedIn, api.loggedIn)
	protected.GET(apiPathConfig, api.getConfig)
	protected.POST(apiPathReload, api.reloadConfig)
	protected.POST(apiPathQuit, api.botQuit)
	protected.POST(apiPathRegisterCommands, api.discordRegisterCommands)
	protected.GET(apiPathRequests, api.getRequests)

	return api, nil
}

// Serve listens on the configured address and serves until Shutdown.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

func newSessionStore(config *APIConfig, logger *slog.Logger) CookieStore {
	var secretKey []byte
	if config.Secret == "" {
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	} else {
		secretKey = derive64ByteKey(config.Secret)
	}

	store := NewCookieStore(secretKey)
	store.Options(
		sessions.Options{
			Path:     "/",
			HttpOnly: true,
			Secure:   !config.Development,
			MaxAge:   int(config.SessionMaxAge.Seconds()),
			SameSite: sessionSameSite(config),
		},
	)
	return store
}

func sessionSameSite(config *APIConfig) http.SameSite {
	if config.Development {
		return http.SameSiteLaxMode
	}
	return http.SameSiteStrictMode
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	DiscordConnected bool      `json:"discord_connected"`
	StartedAt        time.Time `json:"started_at"`
	Uptime           string    `json:"uptime"`
}

type reloadResponse struct {
	Message       string `json:"message"`
	PeersNotified bool   `json:"peers_notified"`
}

// requestsQuery filters the request log
type requestsQuery struct {
	Limit   int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Outcome string `form:"outcome" binding:"omitempty,oneof=success exhausted selection cancelled"`
}

func (a *API) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		DiscordConnected: a.bot.discord.connected.Load(),
		StartedAt:        a.bot.startedAt,
	}
	if !a.bot.startedAt.IsZero() {
		resp.Uptime = time.Since(a.bot.startedAt).Round(time.Second).String()
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !a.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	if a.config.AdminUsername == "" || a.config.AdminPasswordHash == "" {
		logger.Warn("admin username and password not set")
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != a.config.AdminUsername {
		logger.Warn("admin username incorrect", "username", login.Username)
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := verifyPassword(a.config.AdminPasswordHash, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (a *API) logoutHandler(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		ginContextLogger(c).Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (a *API) loggedIn(c *gin.Context) {
	c.JSON(http.StatusOK, loggedInResponse{Username: c.GetString(sessionVarField)})
}

// getConfig returns the active config, with secrets redacted
func (a *API) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, a.bot.Config().Redacted())
}

// reloadConfig reloads this instance's config, then asks peer instances
// sharing the database to do the same.
func (a *API) reloadConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	ctx := WithLogger(c.Request.Context(), logger)
	if err := a.bot.Reload(ctx); err != nil {
		logger.Error("error reloading config", tint.Err(err))
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	resp := reloadResponse{Message: "config reloaded"}
	if a.bot.dbNotifier != nil {
		resp.PeersNotified = a.bot.dbNotifier.NotifyReload(ctx)
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) botQuit(c *gin.Context) {
	ginContextLogger(c).Warn("sending stop signal")
	a.bot.Stop()
	ginReplyMessage(c, "quitting")
}

func (a *API) discordRegisterCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	if a.bot.discord.session == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "discord not connected"})
		return
	}
	created, err := a.bot.RegisterCommands()
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		ginReplyError(c, err.Error())
		return
	}
	c.JSON(http.StatusCreated, created)
}

// getRequests lists recent model requests, newest first
func (a *API) getRequests(c *gin.Context) {
	var q requestsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if a.bot.db == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "database not ready"})
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultRequestsLimit
	}
	rows, err := RecentRequests(c.Request.Context(), a.bot.db, q.Limit, q.Outcome)
	if err != nil {
		ginContextLogger(c).Error("error listing requests", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(http.StatusOK, rows)
}

// authMiddleware rejects requests without a logged-in admin session.
func (a *API) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if a.config.AdminUsername == "" || a.config.AdminPasswordHash == "" {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		username, ok := sessions.Default(c).Get(sessionVarField).(string)
		if !ok || username == "" || username != a.config.AdminUsername {
			logger.Warn("no valid session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Set(sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns each request an ID, echoed back in the
// X-Request-ID header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger set by ginLoggingMiddleware,
// or the default logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, ok := v.(*slog.Logger); ok {
			return logger
		}
	}
	return slog.Default()
}

func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
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

		c.Next()

		attrs := []any{
			"duration", time.Since(start),
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			attrs = append(attrs, tint.Err(errors.New(errs.String())))
			requestLogger.Error(fmt.Sprintf("%s %s finished with errors", c.Request.Method, path), attrs...)
			return
		}
		requestLogger.Info(fmt.Sprintf("%s %s finished", c.Request.Method, path), attrs...)
	}
}

// metricMiddleware counts requests by method, matched route and status
func metricMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.IncAPIRequest(c.Request.Method, route, c.Writer.Status())
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
